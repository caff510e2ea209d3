package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/threadagent/internal/config"
	"github.com/harun/threadagent/internal/logger"
	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/gateway"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

// Version is reported by the CLI and the tracer resource
var Version = "0.1.0"

// Daemon runs the gateway server on top of an Engine
type Daemon struct {
	config *config.Config
	logger zerolog.Logger
	loader *config.Loader

	engine        *Engine
	sweeper       *checkpoint.Sweeper
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	startTime      time.Time
	running        bool
	mu             sync.RWMutex
	tracingEnabled bool
}

// Status describes a running daemon
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Addr      string        `json:"addr,omitempty"`
}

// New creates a daemon. loader may be nil, which disables config hot reload.
func New(cfg *config.Config, loader *config.Loader, log zerolog.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		loader: loader,
	}

	if err := tracing.Init(context.Background(), tracing.Options{ServiceName: config.AppName, Version: Version}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	}

	engine, err := NewEngine(cfg, log)
	if err != nil {
		d.shutdownTelemetry()
		return nil, err
	}
	d.engine = engine

	d.sweeper = checkpoint.NewSweeper(engine.Store, cfg.Storage.Retention.MaxAge, cfg.Storage.Retention.Schedule)

	server, err := gateway.NewServer(gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		Chat:               engine.Runner,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		RequestTimeout:     cfg.Gateway.RequestTimeout,
		Logger:             log,
	})
	if err != nil {
		_ = engine.Close()
		d.shutdownTelemetry()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	if loader != nil {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Loader:   loader,
			OnChange: d.applyConfig,
			Logger:   log,
		})
		if err != nil {
			_ = engine.Close()
			d.shutdownTelemetry()
			return nil, err
		}
		d.watcher = watcher
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, log)

	return d, nil
}

// Start writes the PID file and starts retention, hot reload and the gateway
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	log := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting threadagent daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.sweeper.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		d.sweeper.Stop()
		if d.watcher != nil {
			_ = d.watcher.Stop()
		}
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.running = true
	d.startTime = time.Now()

	log.Info().Str("addr", d.gatewayServer.Addr()).Msg("Daemon started")
	return nil
}

// Stop shuts the daemon down in reverse start order
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return fmt.Errorf("daemon is not running")
	}
	d.running = false

	log := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping threadagent daemon")

	if err := d.gatewayServer.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	d.sweeper.Stop()

	if err := d.engine.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close engine")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTelemetry()

	if err := observability.CloseAuditLogger(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return Status{}
	}
	return Status{
		Running:   true,
		StartTime: d.startTime,
		Uptime:    time.Since(d.startTime),
		Addr:      d.gatewayServer.Addr(),
	}
}

// Wait blocks until SIGINT, SIGTERM or ctx is done, then stops the daemon
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Engine returns the conversation engine
func (d *Daemon) Engine() *Engine {
	return d.engine
}

// applyConfig hot-reloads the log level and the agent's system message and
// run timeout. Other sections need a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply log level")
	}
	if err := d.engine.Runner.UpdateConfig(AgentConfig(cfg)); err != nil {
		d.logger.Error().Err(err).Msg("Failed to apply agent configuration")
	}

	d.mu.Lock()
	restart := restartRequired(d.config, cfg)
	d.config = cfg
	d.mu.Unlock()

	if len(restart) > 0 {
		d.logger.Warn().Strs("sections", restart).Msg("Config changes take effect after restart")
	}

	observability.RecordConfigAudit(context.Background(), "config_reloaded", "config-watcher", map[string]interface{}{
		"log_level":        cfg.Logging.Level,
		"restart_required": restart,
	})
}

// restartRequired lists sections whose changes are not applied live
func restartRequired(prev, next *config.Config) []string {
	var sections []string
	if prev.Model != next.Model {
		sections = append(sections, "model")
	}
	if prev.Agent.MaxSteps != next.Agent.MaxSteps {
		sections = append(sections, "agent.max_steps")
	}
	if prev.Tools != next.Tools {
		sections = append(sections, "tools")
	}
	if prev.Storage != next.Storage {
		sections = append(sections, "storage")
	}
	if prev.Gateway != next.Gateway {
		sections = append(sections, "gateway")
	}
	return sections
}

func (d *Daemon) shutdownTelemetry() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}
