// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires together the store, engine, manager, dispatcher,
// chat session, and protocol server into the looprd process, and owns
// its startup recovery and graceful shutdown sequence.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loopr/loopr/internal/chat"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/dispatcher"
	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/lifecycle"
	"github.com/loopr/loopr/internal/loggingx"
	"github.com/loopr/loopr/internal/manager"
	"github.com/loopr/loopr/internal/promptrender"
	"github.com/loopr/loopr/internal/protocol"
	"github.com/loopr/loopr/internal/store"
	"github.com/loopr/loopr/internal/tracing"
	"github.com/loopr/loopr/pkg/llmclient"
	"github.com/loopr/loopr/pkg/toolrouter"
	"github.com/loopr/loopr/pkg/validator"
)

// staleLoopThreshold bounds how long a Running loop may go without an
// UpdatedAt bump before ReconcileOnStartup treats it as interrupted rather
// than merely slow.
const staleLoopThreshold = 5 * time.Minute

// Options carries build-time identifying information into a Daemon, shown
// to clients via the status RPC.
type Options struct {
	Version string
	Commit  string
	Date    string
}

// Daemon owns every long-lived collaborator for one looprd process: the
// append-log store, the shared engine, the loop manager and its dispatcher,
// the single chat session, and the protocol listeners that expose them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	dataDir    string
	socketPath string
	pidFile    *lifecycle.PIDFileManager
	tracer     *tracing.Provider
	st         *store.Store
	bus        *eventbus.Bus
	eng        *engine.Engine
	mgr        *manager.Manager
	disp       *dispatcher.Dispatcher
	chatSess   *chat.Session

	rpcServer  *protocol.Server
	wsServer   *protocol.WSServer
	metricsSrv *http.Server

	mu      sync.Mutex
	started bool
}

// New builds a Daemon rooted at dataDir, wiring every collaborator but
// performing no I/O beyond what config.Load and tracing.New already did.
// Start performs recovery and begins serving.
func New(cfg *config.Config, dataDir string, opts Options) (*Daemon, error) {
	logger := loggingx.WithComponent(loggingx.New(loggingx.FromEnv()), "daemon")

	tracer, err := tracing.New("loopr", opts.Version)
	if err != nil {
		return nil, fmt.Errorf("building tracing provider: %w", err)
	}

	st := store.Open(dataDir)
	bus := eventbus.New(eventbus.DefaultCapacity)

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	llm, err := llmclient.New(apiKey, cfg.LLM.Default)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("building LLM client: %w", err)
	}

	eng := &engine.Engine{
		Loops:     st.Loops,
		Signals:   st.Signals,
		ToolJobs:  st.ToolJobs,
		Events:    st.Events,
		Bus:       bus,
		LLM:       llm,
		Tools:     toolrouter.New(),
		Validator: validator.New(),
		Prompts:   promptrender.New(filepath.Join(dataDir, "prompts")),
		Progress:  cfg.Progress,
		Logger:    logger,
		Tracer:    tracer.Tracer("engine"),
	}

	mgr := manager.New(st, cfg, bus, eng)
	disp := dispatcher.New(mgr, cfg.MaxConcurrentLoops, time.Duration(cfg.PollIntervalSecs)*time.Second, logger)
	chatSess := chat.New(st.Chat, bus, llm, eng.Tools, logger)

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		dataDir:    dataDir,
		socketPath: filepath.Join(dataDir, "daemon.sock"),
		pidFile:    lifecycle.NewPIDFileManager(filepath.Join(dataDir, "daemon.pid")),
		tracer:     tracer,
		st:         st,
		bus:        bus,
		eng:        eng,
		mgr:        mgr,
		disp:       disp,
		chatSess:   chatSess,
	}, nil
}

// Start recovers any state left by a prior process, then serves the
// protocol socket, the dispatcher's scan loop, and (if configured) the
// companion WebSocket and metrics listeners. It blocks until ctx is
// cancelled or a listener fails irrecoverably.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.pidFile.Create(os.Getpid()); err != nil {
		return fmt.Errorf("creating PID file: %w", err)
	}

	if err := d.st.SyncAll(); err != nil {
		return fmt.Errorf("rebuilding store caches: %w", err)
	}
	if err := d.mgr.ReconcileOnStartup(staleLoopThreshold); err != nil {
		return fmt.Errorf("reconciling interrupted loops: %w", err)
	}

	registry := protocol.NewRegistry()
	handlers := &protocol.Handlers{Mgr: d.mgr, Eng: d.eng, Chat: d.chatSess, Version: d.opts.Version}
	handlers.Register(registry)

	d.rpcServer = protocol.NewServer(registry, d.bus, d.logger)

	errCh := make(chan error, 4)

	go func() {
		d.logger.Info("protocol server listening", "socket", d.socketPath)
		if err := d.rpcServer.Serve(ctx, d.socketPath); err != nil {
			errCh <- fmt.Errorf("protocol server: %w", err)
		}
	}()

	go d.disp.Run(ctx)

	if d.cfg.WSAddr != "" {
		issuer, err := protocol.NewTokenIssuer()
		if err != nil {
			return fmt.Errorf("building token issuer: %w", err)
		}
		limiter := protocol.NewRateLimiter(5, 10)
		d.wsServer = protocol.NewWSServer(registry, d.bus, issuer, limiter, d.logger)
		go func() {
			d.logger.Info("websocket server listening", "addr", d.cfg.WSAddr)
			if err := d.wsServer.Serve(ctx, d.cfg.WSAddr); err != nil {
				errCh <- fmt.Errorf("websocket server: %w", err)
			}
		}()
	}

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.tracer.MetricsHandler())
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			d.logger.Info("metrics server listening", "addr", d.cfg.MetricsAddr)
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting new protocol connections, gives running loops
// up to cfg.ShutdownTimeoutSecs to reach an iteration boundary, then drops
// any still-running task handles and removes the PID file and socket.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	active := d.mgr.ActiveCount()
	d.logger.Info("graceful shutdown initiated", "active_loops", active)

	if d.rpcServer != nil {
		d.rpcServer.Shutdown()
	}
	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown error", "error", err)
		}
		cancel()
	}

	timeout := time.Duration(d.cfg.ShutdownTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for d.mgr.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	if remaining := d.mgr.ActiveCount(); remaining > 0 {
		d.logger.Warn("shutdown grace period exceeded, cancelling remaining loops", "remaining", remaining)
		d.mgr.CancelAll()
	}

	if d.rpcServer != nil {
		d.rpcServer.Wait()
	}

	if err := d.pidFile.Remove(); err != nil && !os.IsNotExist(err) {
		d.logger.Error("failed to remove PID file", "error", err)
	}
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		d.logger.Error("failed to remove socket file", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.tracer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("tracing provider shutdown error", "error", err)
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// PIDPath returns the PID file path, used by the CLI's status/stop commands.
func (d *Daemon) PIDPath() string {
	return filepath.Join(d.dataDir, "daemon.pid")
}

// SocketPath returns the protocol socket path, used by CLI client commands.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}
