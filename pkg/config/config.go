// Package config loads the fieldtrackd configuration file.
//
// The file uses UCI syntax:
//
//	config tracker 'main'
//		option agent_id 'agent-042'
//		option data_dir '/var/lib/fieldtrack'
//
//	config window 'main'
//		list work_day 'mon'
//		option start_hour '9'
//
// A .env file next to the config file and FIELDTRACK_* environment variables
// override values from the file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/alerts"
	"github.com/markus-lassfolk/fieldtrack/pkg/mqtt"
	"github.com/markus-lassfolk/fieldtrack/pkg/policy"
	"github.com/markus-lassfolk/fieldtrack/pkg/workwindow"
)

// DefaultPath is where fieldtrackd looks for its configuration
const DefaultPath = "/etc/config/fieldtrack"

// Location providers selectable with tracker.provider
const (
	ProviderGoogle = "google"
	ProviderMQTT   = "mqtt"
)

// Config is the daemon configuration
type Config struct {
	// tracker
	AgentID   string `json:"agent_id"`
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	Provider  string `json:"provider"`
	DryRun    bool   `json:"dry_run"`

	// window
	WorkDays       []time.Weekday `json:"work_days"`
	StartHour      int            `json:"start_hour"`
	EndHour        int            `json:"end_hour"`
	RecheckMinutes int            `json:"recheck_minutes"`
	Timezone       string         `json:"timezone"`

	// sampling
	RadiusMeters      float64 `json:"radius_meters"`
	SamplingIntervalS int     `json:"sampling_interval_s"`
	FastestIntervalS  int     `json:"fastest_interval_s"`
	MinAccuracyMeters float64 `json:"min_accuracy_meters"`
	MinDistanceMeters float64 `json:"min_distance_meters"`

	// alerts
	ThrottleMinutes int `json:"throttle_minutes"`

	MQTT MQTTConfig `json:"mqtt"`

	// metrics
	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsListen  string `json:"metrics_listen"`

	// google
	GoogleAPIKey       string `json:"-"`
	GooglePollInterval int    `json:"google_poll_interval_s"`

	path string
}

// MQTTConfig is the mqtt section
type MQTTConfig struct {
	Enabled       bool   `json:"enabled"`
	Broker        string `json:"broker"`
	Port          int    `json:"port"`
	ClientID      string `json:"client_id"`
	Username      string `json:"username"`
	Password      string `json:"-"`
	TopicPrefix   string `json:"topic_prefix"`
	QoS           int    `json:"qos"`
	MirrorRecords bool   `json:"mirror_records"`
}

// Load reads path, applies the environment and validates the result. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}
	cfg.setDefaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.parseUCI(path); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	env, err := loadEnv(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Path returns the file the config was loaded from
func (c *Config) Path() string { return c.path }

func (c *Config) setDefaults() {
	c.DataDir = "/var/lib/fieldtrack"
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.Provider = ProviderGoogle

	window := workwindow.DefaultConfig()
	c.WorkDays = window.Days
	c.StartHour = window.StartHour
	c.EndHour = window.EndHour
	c.RecheckMinutes = int(window.RecheckInterval / time.Minute)
	c.Timezone = "Local"

	c.RadiusMeters = pkg.DefaultAllowedRadiusMeters
	c.SamplingIntervalS = int(pkg.DefaultSamplingInterval / time.Second)
	c.FastestIntervalS = int(pkg.DefaultFastestInterval / time.Second)
	c.MinAccuracyMeters = pkg.DefaultMinAccuracyMeters
	c.MinDistanceMeters = pkg.DefaultMinDistanceMeters

	c.ThrottleMinutes = int(alerts.DefaultThrottleWindow / time.Minute)

	mq := mqtt.DefaultConfig()
	c.MQTT = MQTTConfig{
		Enabled:     mq.Enabled,
		Broker:      mq.Broker,
		Port:        mq.Port,
		ClientID:    mq.ClientID,
		TopicPrefix: mq.TopicPrefix,
		QoS:         mq.QoS,
	}

	c.MetricsListen = ":9464"
	c.GooglePollInterval = 60
}

// parseUCI reads config/option/list lines. Unknown sections and options are
// ignored.
func (c *Config) parseUCI(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var (
		section   string
		workDays  []time.Weekday
		daysFound bool
		lineNo    int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			section, _ = splitWord(rest)
		case "option", "list":
			name, raw := splitWord(rest)
			value := unquote(raw)
			if section == "window" && name == "work_day" {
				day, err := parseWeekday(value)
				if err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				daysFound = true
				workDays = append(workDays, day)
				continue
			}
			if err := c.parseOption(section, name, value); err != nil {
				return fmt.Errorf("line %d: %s.%s: %w", lineNo, section, name, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected %q", lineNo, keyword)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if daysFound {
		c.WorkDays = workDays
	}
	return nil
}

func (c *Config) parseOption(section, option, value string) error {
	var err error
	switch section {
	case "tracker":
		switch option {
		case "agent_id":
			c.AgentID = value
		case "data_dir":
			c.DataDir = value
		case "log_level":
			c.LogLevel = value
		case "log_format":
			c.LogFormat = value
		case "provider":
			c.Provider = value
		case "dry_run":
			c.DryRun = parseBool(value)
		}
	case "window":
		switch option {
		case "start_hour":
			c.StartHour, err = strconv.Atoi(value)
		case "end_hour":
			c.EndHour, err = strconv.Atoi(value)
		case "recheck_minutes":
			c.RecheckMinutes, err = strconv.Atoi(value)
		case "timezone":
			c.Timezone = value
		}
	case "sampling":
		switch option {
		case "radius_meters":
			c.RadiusMeters, err = strconv.ParseFloat(value, 64)
		case "interval_s":
			c.SamplingIntervalS, err = strconv.Atoi(value)
		case "fastest_interval_s":
			c.FastestIntervalS, err = strconv.Atoi(value)
		case "min_accuracy_meters":
			c.MinAccuracyMeters, err = strconv.ParseFloat(value, 64)
		case "min_distance_meters":
			c.MinDistanceMeters, err = strconv.ParseFloat(value, 64)
		}
	case "alerts":
		if option == "throttle_minutes" {
			c.ThrottleMinutes, err = strconv.Atoi(value)
		}
	case "mqtt":
		switch option {
		case "enabled":
			c.MQTT.Enabled = parseBool(value)
		case "broker":
			c.MQTT.Broker = value
		case "port":
			c.MQTT.Port, err = strconv.Atoi(value)
		case "client_id":
			c.MQTT.ClientID = value
		case "username":
			c.MQTT.Username = value
		case "password":
			c.MQTT.Password = value
		case "topic_prefix":
			c.MQTT.TopicPrefix = value
		case "qos":
			c.MQTT.QoS, err = strconv.Atoi(value)
		case "mirror_records":
			c.MQTT.MirrorRecords = parseBool(value)
		}
	case "metrics":
		switch option {
		case "enabled":
			c.MetricsEnabled = parseBool(value)
		case "listen":
			c.MetricsListen = value
		}
	case "google":
		switch option {
		case "api_key":
			c.GoogleAPIKey = value
		case "poll_interval_s":
			c.GooglePollInterval, err = strconv.Atoi(value)
		}
	}
	return err
}

// loadEnv reads the .env file next to the config file, if any
func loadEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil, nil
	}
	env, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", envPath, err)
	}
	return env, nil
}

// applyEnv applies FIELDTRACK_* overrides. Process environment wins over the
// .env file.
func (c *Config) applyEnv(file map[string]string) error {
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}

	strs := map[string]*string{
		"FIELDTRACK_AGENT_ID":       &c.AgentID,
		"FIELDTRACK_DATA_DIR":       &c.DataDir,
		"FIELDTRACK_LOG_LEVEL":      &c.LogLevel,
		"FIELDTRACK_PROVIDER":       &c.Provider,
		"FIELDTRACK_GOOGLE_API_KEY": &c.GoogleAPIKey,
		"FIELDTRACK_MQTT_BROKER":    &c.MQTT.Broker,
		"FIELDTRACK_MQTT_USERNAME":  &c.MQTT.Username,
		"FIELDTRACK_MQTT_PASSWORD":  &c.MQTT.Password,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("FIELDTRACK_MQTT_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FIELDTRACK_MQTT_PORT: %w", err)
		}
		c.MQTT.Port = port
	}
	return nil
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error")
	}
	if c.Provider != ProviderGoogle && c.Provider != ProviderMQTT {
		return fmt.Errorf("provider must be %q or %q", ProviderGoogle, ProviderMQTT)
	}
	if c.Provider == ProviderMQTT && !c.MQTT.Enabled {
		return fmt.Errorf("provider mqtt requires mqtt.enabled")
	}
	if c.RadiusMeters <= 0 {
		return fmt.Errorf("radius_meters must be greater than 0")
	}
	if c.MinAccuracyMeters <= 0 {
		return fmt.Errorf("min_accuracy_meters must be greater than 0")
	}
	if c.MinDistanceMeters < 0 {
		return fmt.Errorf("min_distance_meters must not be negative")
	}
	if c.SamplingIntervalS <= 0 || c.FastestIntervalS <= 0 || c.FastestIntervalS > c.SamplingIntervalS {
		return fmt.Errorf("intervals must be positive with fastest_interval_s <= interval_s")
	}
	if c.ThrottleMinutes <= 0 {
		return fmt.Errorf("throttle_minutes must be greater than 0")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535")
	}
	if c.GooglePollInterval <= 0 {
		return fmt.Errorf("google poll_interval_s must be greater than 0")
	}
	if _, err := c.WindowConfig(); err != nil {
		return err
	}
	return nil
}

// WindowConfig builds and checks the work-window gate configuration
func (c *Config) WindowConfig() (*workwindow.Config, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	wc := &workwindow.Config{
		Days:            append([]time.Weekday(nil), c.WorkDays...),
		StartHour:       c.StartHour,
		EndHour:         c.EndHour,
		RecheckInterval: time.Duration(c.RecheckMinutes) * time.Minute,
		Location:        loc,
	}
	if _, err := workwindow.NewGate(wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// PolicyDefaults returns the values for lazily created agent policies
func (c *Config) PolicyDefaults() policy.Defaults {
	return policy.Defaults{
		AllowedRadiusMeters: c.RadiusMeters,
		SamplingInterval:    time.Duration(c.SamplingIntervalS) * time.Second,
		FastestInterval:     time.Duration(c.FastestIntervalS) * time.Second,
		MinAccuracyMeters:   c.MinAccuracyMeters,
		MinDistanceMeters:   c.MinDistanceMeters,
	}
}

// AlertsConfig returns the alert manager configuration
func (c *Config) AlertsConfig() *alerts.Config {
	return &alerts.Config{ThrottleWindow: time.Duration(c.ThrottleMinutes) * time.Minute}
}

// MQTTClientConfig returns the broker client configuration
func (c *Config) MQTTClientConfig() *mqtt.Config {
	mq := mqtt.DefaultConfig()
	mq.Enabled = c.MQTT.Enabled
	mq.Broker = c.MQTT.Broker
	mq.Port = c.MQTT.Port
	mq.ClientID = c.MQTT.ClientID
	mq.Username = c.MQTT.Username
	mq.Password = c.MQTT.Password
	mq.TopicPrefix = c.MQTT.TopicPrefix
	mq.QoS = c.MQTT.QoS
	return mq
}

// StorePath is the bbolt record database
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "records.db") }

// DirectoryPath is the sqlite agent and site directory
func (c *Config) DirectoryPath() string { return filepath.Join(c.DataDir, "directory.db") }

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(value string) (time.Weekday, error) {
	v := strings.ToLower(value)
	if len(v) >= 3 {
		if d, ok := weekdays[v[:3]]; ok {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", value)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}
