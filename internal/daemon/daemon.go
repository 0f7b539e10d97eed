// Package daemon assembles the clipflow service: session store and manager,
// message hub, tool gateway, orchestrator and the stream server, wired
// together from configuration.
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

	"github.com/clipflow/clipflow/internal/config"
	"github.com/clipflow/clipflow/internal/logger"
	"github.com/clipflow/clipflow/internal/metrics"
	"github.com/clipflow/clipflow/internal/stream"
	"github.com/clipflow/clipflow/pkg/coretools"
	"github.com/clipflow/clipflow/pkg/messaging"
	"github.com/clipflow/clipflow/pkg/orchestrator"
	"github.com/clipflow/clipflow/pkg/session"
	"github.com/clipflow/clipflow/pkg/toolgateway"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the long-running clipflow service.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	store        *session.SQLiteStore
	sessions     *session.Manager
	hub          *messaging.Hub
	gateway      *toolgateway.Gateway
	orchestrator *orchestrator.Orchestrator
	streamServer *stream.Server

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	Running         bool          `json:"running"`
	StartTime       time.Time     `json:"start_time,omitempty"`
	Uptime          time.Duration `json:"uptime,omitempty"`
	ActiveSessions  int           `json:"active_sessions"`
	RegisteredTools []string      `json:"registered_tools"`
	StreamAddr      string        `json:"stream_addr,omitempty"`
}

// New builds a daemon from configuration. Nothing is started yet; call Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d := &Daemon{
		config:  cfg,
		logger:  log,
		metrics: metrics.NewMetrics(),
	}

	zl := log.GetZerolog()

	store, err := session.NewSQLiteStore(cfg.Sessions.DatabaseFile, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store

	d.sessions, err = session.NewManager(session.Config{
		Store:         store,
		Logger:        zl,
		TTL:           cfg.Sessions.TTL,
		SweepInterval: cfg.Sessions.SweepInterval,
		MaxActive:     cfg.Sessions.MaxActive,
		Observer:      d.metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	d.hub = messaging.NewHub(zl, messaging.WithObserver(d.metrics))

	d.gateway = toolgateway.New(zl,
		toolgateway.WithRecorder(d.metrics),
		toolgateway.WithHistoryLimit(cfg.Gateway.HistoryLimit),
	)
	if err := coretools.Register(d.gateway, coretools.Options{
		WorkspaceDir: filepath.Join(cfg.DataDir, "workspace"),
		Logger:       zl,
	}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	d.orchestrator = orchestrator.New(orchestrator.Config{
		Sessions:        d.sessions,
		Gateway:         d.gateway,
		Hub:             d.hub,
		Planner:         newBriefPlanner(),
		Logger:          zl,
		ApprovalTimeout: cfg.Workflow.ApprovalTimeout,
		Observer:        d.metrics,
	})

	if cfg.Stream.Enabled {
		streamCfg := stream.Config{
			Host:         cfg.Stream.Host,
			Port:         cfg.Stream.Port,
			Sessions:     d.sessions,
			Orchestrator: d.orchestrator,
			Hub:          d.hub,
			Logger:       zl,
		}
		if cfg.Metrics.Enabled {
			streamCfg.MetricsHandler = d.metrics.Handler()
		}
		d.streamServer, err = stream.NewServer(streamCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to create stream server: %w", err)
		}
	}

	return d, nil
}

// Start brings the daemon up: the eviction sweep and, when enabled, the
// stream server.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	d.logger.Info().Msg("Session manager started")

	if d.streamServer != nil {
		if err := d.streamServer.Start(); err != nil {
			return fmt.Errorf("failed to start stream server: %w", err)
		}
		d.logger.Info().Str("addr", d.streamServer.Addr()).Msg("Stream server started")
	}

	d.logger.Info().
		Strs("tools", d.gateway.ListTools()).
		Msg("Daemon started")
	return nil
}

// Stop shuts the daemon down gracefully: stream server first so no new work
// arrives, then the session manager flushes every active session, then the
// store closes.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if d.streamServer != nil {
		if err := d.streamServer.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to stop stream server")
			firstErr = err
		}
	}
	if err := d.sessions.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop session manager")
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close session store")
		if firstErr == nil {
			firstErr = err
		}
	}

	d.logger.Info().Msg("Daemon stopped")
	return firstErr
}

// Status reports the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:         d.running,
		ActiveSessions:  d.sessions.ActiveCount(),
		RegisteredTools: d.gateway.ListTools(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	if d.streamServer != nil {
		status.StreamAddr = d.streamServer.Addr()
	}
	return status
}

// Orchestrator exposes the workflow engine, mainly so embedding code can
// start workflows without going through the stream server.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// Gateway exposes the tool gateway so embedding code can register domain
// tools (media generation, search) beyond the built-in workspace set.
func (d *Daemon) Gateway() *toolgateway.Gateway {
	return d.gateway
}

// Sessions exposes the session manager.
func (d *Daemon) Sessions() *session.Manager {
	return d.sessions
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}
