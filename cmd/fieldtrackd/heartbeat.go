package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/mqtt"
	"github.com/markus-lassfolk/fieldtrack/pkg/session"
)

// HeartbeatData is written to the health file and published to
// <prefix>/agents/<id>/status
type HeartbeatData struct {
	Timestamp  string         `json:"ts"`
	UptimeS    int64          `json:"uptime_s"`
	Version    string         `json:"version"`
	MemMB      float64        `json:"mem_mb"`
	Goroutines int            `json:"goroutines"`
	MQTTQueued int            `json:"mqtt_queued,omitempty"`
	Session    session.Status `json:"session"`
}

type heartbeat struct {
	path    string
	session *session.Session
	mqtt    *mqtt.Client
	logger  *logx.Logger
	started time.Time
}

func (h *heartbeat) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *heartbeat) beat() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	data := HeartbeatData{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		UptimeS:    int64(time.Since(h.started).Seconds()),
		Version:    AppVersion,
		MemMB:      float64(mem.Alloc) / 1024 / 1024,
		Goroutines: runtime.NumGoroutine(),
		Session:    h.session.Status(),
	}
	if h.mqtt != nil {
		data.MQTTQueued = h.mqtt.Queued()
		topic := h.mqtt.Topic("agents", data.Session.AgentID, "status")
		if err := h.mqtt.PublishJSON(topic, data, true); err != nil {
			h.logger.Debug("Failed to publish heartbeat", "topic", topic, "error", err)
		}
	}

	if h.path == "" {
		return
	}
	if err := writeAtomic(h.path, data); err != nil {
		h.logger.Error("Failed to write heartbeat file", "file", h.path, "error", err)
		return
	}
	h.logger.Debug("Heartbeat written",
		"file", h.path,
		"state", data.Session.State,
		"uptime_s", data.UptimeS,
		"goroutines", data.Goroutines)
}

// writeAtomic replaces path through a temp file in the same directory
func writeAtomic(path string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
