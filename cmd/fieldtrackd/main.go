package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/alerts"
	"github.com/markus-lassfolk/fieldtrack/pkg/config"
	"github.com/markus-lassfolk/fieldtrack/pkg/directory"
	"github.com/markus-lassfolk/fieldtrack/pkg/gps"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
	"github.com/markus-lassfolk/fieldtrack/pkg/mqtt"
	"github.com/markus-lassfolk/fieldtrack/pkg/pidfile"
	"github.com/markus-lassfolk/fieldtrack/pkg/policy"
	"github.com/markus-lassfolk/fieldtrack/pkg/session"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
	"github.com/markus-lassfolk/fieldtrack/pkg/visit"
	"github.com/markus-lassfolk/fieldtrack/pkg/workwindow"
)

var (
	configPath = flag.String("config", config.DefaultPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/var/run/fieldtrackd.pid", "Path to PID file")
	healthPath = flag.String("health-file", "/tmp/fieldtrackd.health", "Path to heartbeat file, empty to disable")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	agentID    = flag.String("agent", "", "Override the tracked agent id")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	dryRun     = flag.Bool("dry-run", false, "Keep records in memory instead of the record store")
	force      = flag.Bool("force", false, "Force start by removing an existing PID file")
)

const (
	AppName    = "fieldtrackd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if err := run(logger); err != nil {
		logger.Error("fieldtrackd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *logx.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", *configPath, err)
	}
	if *agentID != "" {
		cfg.AgentID = *agentID
	}
	if cfg.AgentID == "" {
		return fmt.Errorf("no agent id configured (tracker.agent_id or -agent)")
	}
	if *logLevel == "" && !*verbose {
		logger.SetLevel(cfg.LogLevel)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	pidFile := pidfile.New(*pidPath)
	if *force {
		if err := pidFile.ForceRemove(); err != nil {
			return fmt.Errorf("failed to remove existing PID file: %w", err)
		}
	}
	if err := pidFile.Create(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting fieldtrack daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"agent_id", cfg.AgentID,
		"provider", cfg.Provider,
		"dry_run", cfg.DryRun)

	// Records and policies
	var (
		records  pkg.RecordStore
		policies pkg.PolicyStore
	)
	if cfg.DryRun {
		mem := store.NewMemoryStore()
		records, policies = mem, mem
		logger.Info("Dry-run mode enabled: records are kept in memory")
	} else {
		bs, err := store.Open(cfg.StorePath(), logger)
		if err != nil {
			return err
		}
		defer bs.Close()
		records, policies = bs, bs
	}

	dir, err := directory.Open(cfg.DirectoryPath(), logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTTClientConfig(), logger)
		if err := mqttClient.Connect(); err != nil {
			// Messages are queued until the broker comes back
			logger.Error("Failed to connect to MQTT broker", "error", err)
		}
		defer mqttClient.Disconnect()

		if cfg.MQTT.MirrorRecords {
			records = store.NewTee(records, mqtt.NewMirror(mqttClient))
			logger.Info("Mirroring records to MQTT", "prefix", cfg.MQTT.TopicPrefix)
		}
	}

	provider, err := newProvider(cfg, mqttClient, logger)
	if err != nil {
		return err
	}

	wc, err := cfg.WindowConfig()
	if err != nil {
		return err
	}
	gate, err := workwindow.NewGate(wc)
	if err != nil {
		return err
	}

	resolver := policy.NewResolver(dir, dir, policies, cfg.PolicyDefaults(), logger)
	sess, err := session.New(session.Config{AgentID: cfg.AgentID}, session.Deps{
		Resolver: resolver,
		Gate:     gate,
		Provider: provider,
		Store:    records,
		Alerts:   alerts.NewManager(cfg.AlertsConfig(), records, logger, m),
		Visits:   visit.NewTracker(cfg.AgentID, records, logger, m),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		if !errors.Is(err, pkg.ErrPermissionDenied) {
			return err
		}
		// An operator grants access and sends SIGHUP
		logger.Error("Location access denied, session stopped until restart", "provider", provider.Name(), "error", err)
	}
	defer sess.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if m != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsListen, m, logger)
		})
	}

	watcher := config.NewWatcher(*configPath, logger, func(next *config.Config) {
		applyReload(gctx, cfg, next, sess, logger)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	hb := &heartbeat{
		path:    *healthPath,
		session: sess,
		mqtt:    mqttClient,
		logger:  logger,
		started: time.Now(),
	}
	g.Go(func() error {
		hb.run(gctx, 10*time.Second)
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("Received SIGHUP, restarting session")
				sess.Restart(gctx)
			}
		}
	})

	<-gctx.Done()
	logger.Info("Shutting down", "state", sess.State())
	sess.Stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Graceful shutdown completed")
	return nil
}

func newProvider(cfg *config.Config, mqttClient *mqtt.Client, logger *logx.Logger) (pkg.LocationProvider, error) {
	switch cfg.Provider {
	case config.ProviderMQTT:
		return mqtt.NewFixSource(mqttClient, logger), nil
	case config.ProviderGoogle:
		gs, err := gps.NewGoogleSource(cfg.GoogleAPIKey, logger)
		if err != nil {
			return nil, err
		}
		gs.SetMinInterval(time.Duration(cfg.GooglePollInterval) * time.Second)
		return gs, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// applyReload takes what can change at runtime from a reloaded file. Policy
// edits are picked up by re-resolving; structural changes need a restart.
func applyReload(ctx context.Context, cur, next *config.Config, sess *session.Session, logger *logx.Logger) {
	if *logLevel == "" && !*verbose && next.LogLevel != cur.LogLevel {
		logger.SetLevel(next.LogLevel)
		logger.Info("Log level changed", "from", cur.LogLevel, "to", next.LogLevel)
		cur.LogLevel = next.LogLevel
	}

	if err := sess.Reresolve(ctx); err != nil && !errors.Is(err, pkg.ErrSessionStopped) {
		logger.Warn("Failed to re-resolve policy after reload", "error", err)
	}

	if next.Provider != cur.Provider || next.DataDir != cur.DataDir ||
		next.StartHour != cur.StartHour || next.EndHour != cur.EndHour ||
		next.Timezone != cur.Timezone || next.MQTT != cur.MQTT {
		logger.Warn("Configuration change requires a daemon restart to take effect")
	}
}
