package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-converse/internal/bus"
	"github.com/loqalabs/loqa-converse/internal/config"
	"github.com/loqalabs/loqa-converse/internal/gateway"
	"github.com/loqalabs/loqa-converse/internal/llm"
	"github.com/loqalabs/loqa-converse/internal/natsserver"
	"github.com/loqalabs/loqa-converse/internal/sessionstore"
	"github.com/loqalabs/loqa-converse/internal/tts"
	"github.com/loqalabs/loqa-converse/internal/turn"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *sessionstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	turnSvc  *turn.Service
	gateway  *gateway.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	orch, err := r.buildOrchestrator(ctx)
	if err != nil {
		r.stop()
		return err
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, orch); err != nil {
			r.stop()
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	if r.cfg.Gateway.Enabled {
		r.gateway = gateway.New(r.cfg.Gateway, orch, r.store, r.logger)
		r.gateway.Register(mux)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	// hijacked websocket connections are not tracked by the http server
	if r.gateway != nil {
		if err := r.gateway.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	return r.stop()
}

func (r *Runtime) buildOrchestrator(ctx context.Context) (*turn.Orchestrator, error) {
	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger.With(slog.String("component", "session-store")))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	r.store = store

	gen, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm backend: %w", err)
	}

	var synth turn.Synthesizer
	if r.cfg.TTS.Enabled {
		backend, err := tts.New(r.cfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts backend: %w", err)
		}
		synth = tts.NewStage(backend, time.Duration(r.cfg.TTS.TimeoutMS)*time.Millisecond)
	}

	return turn.New(store, gen, synth, turn.OptionsFromConfig(r.cfg), r.logger), nil
}

func (r *Runtime) startBus(ctx context.Context, orch *turn.Orchestrator) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	r.turnSvc = turn.NewService(ctx, orch, r.store, client, r.logger)
	return r.turnSvc.Start()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.SessionStore.PruneIntervalMS) * time.Millisecond
	if interval <= 0 || r.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("session store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// stop releases everything Start acquired, newest first.
func (r *Runtime) stop() error {
	var errs []error
	if r.turnSvc != nil {
		r.turnSvc.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.dependenciesReady(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesReady(ctx context.Context) bool {
	if r.store == nil || r.store.Ping(ctx) != nil {
		return false
	}
	if r.cfg.Bus.Enabled && (r.turnSvc == nil || !r.turnSvc.Healthy()) {
		return false
	}
	return true
}
