package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured key/value logger backed by logrus.
//
// Calls take a message followed by alternating keys and values:
//
//	logger.Info("Visit opened", "agent_id", id, "site_id", site)
//
// A single map[string]interface{} argument is accepted as well. All methods
// are safe on a nil *Logger.
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a logger at the given level tagged with a component name.
// LOG_FORMAT=json switches to the JSON formatter.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry, base: base}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level of the logger and every child created from it
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.base.SetLevel(parseLevel(level))
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.base.SetOutput(w)
}

// With returns a child logger carrying the given fields on every line
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(toFields(kv)), base: l.base}
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.log(logrus.TraceLevel, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(logrus.DebugLevel, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(logrus.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(logrus.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(logrus.ErrorLevel, msg, kv) }

// LogStateChange records a state machine transition
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	f := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		f[k] = v
	}
	l.entry.WithFields(f).Info("State change")
}

func (l *Logger) log(level logrus.Level, msg string, kv []interface{}) {
	if l == nil || !l.base.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(toFields(kv)).Log(level, msg)
}

func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		if err, ok := kv[i+1].(error); ok {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
