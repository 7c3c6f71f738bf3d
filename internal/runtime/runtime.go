package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/channel"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/presence"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	source     *audio.BusSource
	store      *eventstore.Store
	controller *speech.Controller
	nats       *channel.NATS
	ws         *channel.Websocket
	presence   *presence.Presence
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the HTTP listen address once the runtime is serving.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether every component started and the bus is connected.
func (r *Runtime) Ready() bool {
	return r.ready.Load() && r.bus.Healthy()
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		cancel()
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.ws != nil {
		mux.Handle(r.cfg.Channel.WebsocketPath, r.ws)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		r.shutdown()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("engine", r.controller.Engine()),
		slog.String("gate", r.cfg.Gate.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunRetention(ctx, time.Hour)
	}()

	r.source = audio.NewBusSource(busClient, r.cfg.Node.ID, r.logger)
	engine, err := newEngine(r.cfg, r.source, r.logger)
	if err != nil {
		return err
	}
	gate := newGate(r.cfg, busClient, engine, r.logger)

	r.controller = speech.NewController(engine, gate,
		r.logger.With(slog.String("component", "speech")),
		speech.WithRecorder(store))

	r.nats = channel.NewNATS(busClient, r.cfg.Channel, r.controller, r.logger)
	if err := r.nats.Start(ctx); err != nil {
		return err
	}
	if r.cfg.Channel.Websocket {
		r.ws = channel.NewWebsocket(r.controller, r.cfg.Channel, r.logger)
	}

	pres, err := presence.New(ctx, r.cfg.Node, busClient, r.describe, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = pres
	return nil
}

// describe reports the capability advertised to other nodes.
func (r *Runtime) describe(ctx context.Context) presence.Capability {
	tier := "local"
	if r.cfg.Engine.Mode == "deepgram" {
		tier = "cloud"
	}
	return presence.Capability{
		Name: presence.CapabilitySpeech,
		Tier: tier,
		Attributes: map[string]string{
			"engine":        r.controller.Engine(),
			"gate":          r.cfg.Gate.Mode,
			"language":      r.cfg.Engine.Language,
			"available":     strconv.FormatBool(r.controller.CheckAvailability(ctx)),
			"audio_subject": r.source.NodeSubject(),
		},
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.ws != nil {
		r.ws.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.nats != nil {
		r.nats.Close()
	}
	if r.controller != nil {
		r.controller.Teardown()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	session := r.controller.Session()
	status := map[string]any{
		"engine":    r.controller.Engine(),
		"gate":      r.cfg.Gate.Mode,
		"state":     session.State.String(),
		"available": r.controller.CheckAvailability(req.Context()),
	}
	if subject := r.source.NodeSubject(); subject != "" {
		status["audio_subject"] = subject
	}
	if session.ID != "" {
		status["session_id"] = session.ID
		status["started_at"] = session.StartedAt
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		r.logger.Warn("list sessions failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []eventstore.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.logger.Warn("list session events failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
