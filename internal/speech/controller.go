package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrBusy        = errors.New("a recognition session is already active")
	ErrUnavailable = errors.New("speech recognition unavailable")
	ErrStopped     = errors.New("session stopped before it started")
	ErrClosed      = errors.New("controller torn down")
)

// Recorder persists the session timeline. Failures are logged only.
type Recorder interface {
	RecordSession(ctx context.Context, sessionID, engine string) error
	RecordEvent(ctx context.Context, sessionID, kind string, payload any) error
}

type endReason int

const (
	endNone endReason = iota
	endFinal
	endError
	endStopped
)

type activeSession struct {
	Session
	handle Handle
	ended  endReason
}

// Controller owns the single recognition session of one adapter instance.
type Controller struct {
	engine   Engine
	gate     Gate
	stream   *EventStream
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *instruments
	recorder Recorder
	clock    func() time.Time
	newID    func() string

	mu      sync.Mutex
	current *activeSession
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Controller)

// WithRecorder stores session timelines.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithSessionIDs overrides session ID generation.
func WithSessionIDs(next func() string) Option {
	return func(c *Controller) { c.newID = next }
}

func NewController(engine Engine, gate Gate, log *slog.Logger, opts ...Option) *Controller {
	log = log.With(slog.String("component", "speech-controller"), slog.String("engine", engine.Name()))
	c := &Controller{
		engine:  engine,
		gate:    gate,
		stream:  NewEventStream(log),
		log:     log,
		tracer:  otel.Tracer(InstrumentationName),
		metrics: newInstruments(log),
		clock:   time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine returns the backend name.
func (c *Controller) Engine() string {
	return c.engine.Name()
}

// Stream returns the controller's event stream.
func (c *Controller) Stream() *EventStream {
	return c.stream
}

// Subscribe registers the event sink, replacing any previous one.
func (c *Controller) Subscribe(sink Sink) {
	c.stream.Subscribe(sink)
}

// Unsubscribe drops the event sink.
func (c *Controller) Unsubscribe() {
	c.stream.Unsubscribe()
}

// Session returns a snapshot of the current session. The zero Session is idle.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{State: StateIdle}
	}
	return c.current.Session
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.Session().State
}

// CheckAvailability queries the gate flag and the engine. It never prompts.
func (c *Controller) CheckAvailability(ctx context.Context) (available bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("availability check panicked", slog.Any("panic", r))
			available = false
		}
	}()
	return c.gate.Available(ctx) && c.engine.Available(ctx)
}

// StartListening starts a session and reports whether it is now listening.
func (c *Controller) StartListening(ctx context.Context) bool {
	outcome, err := c.Start(ctx)
	if err != nil {
		c.log.Info("start listening rejected",
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()))
	}
	return outcome == OutcomeStarted
}

// Start is StartListening with the rejection reason kept.
func (c *Controller) Start(ctx context.Context) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "speech.start_listening",
		trace.WithAttributes(attribute.String("engine", c.engine.Name())))
	defer span.End()

	outcome, err := c.start(ctx)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if outcome == OutcomeStarted {
		c.metrics.sessionStarted(ctx, c.engine.Name())
	} else {
		c.metrics.startRejected(ctx, c.engine.Name(), outcome)
	}
	return outcome, err
}

func (c *Controller) start(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return OutcomeUnavailable, ErrClosed
	}
	if c.current != nil {
		state := c.current.State
		c.mu.Unlock()
		return OutcomeBusy, fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	s := &activeSession{Session: Session{State: StateRequesting}}
	c.current = s
	c.mu.Unlock()

	auth, err := c.authorize(ctx)
	available := err == nil && auth == AuthorizationGranted && c.engineAvailable(ctx)

	c.mu.Lock()
	if c.current != s || s.ended != endNone {
		c.mu.Unlock()
		return OutcomeUnavailable, ErrStopped
	}
	if !available {
		c.current = nil
		c.mu.Unlock()
		switch {
		case err != nil:
			return OutcomeUnavailable, fmt.Errorf("authorize: %w", err)
		case auth != AuthorizationGranted:
			return OutcomeUnavailable, fmt.Errorf("%w: authorization %s", ErrUnavailable, auth)
		default:
			return OutcomeUnavailable, fmt.Errorf("%w: engine %s", ErrUnavailable, c.engine.Name())
		}
	}
	s.ID = c.newID()
	s.State = StateListening
	s.StartedAt = c.clock()
	snapshot := s.Session
	c.mu.Unlock()

	// The session row must exist before the engine can deliver callbacks.
	c.recordStart(ctx, snapshot)
	handle, err := c.open(ctx, s)

	c.mu.Lock()
	if err != nil {
		if c.current == s && s.ended == endNone {
			c.current = nil
		}
		c.mu.Unlock()
		c.record(ctx, snapshot.ID, "session.failed", map[string]any{"error": err.Error()})
		return OutcomeResourceError, fmt.Errorf("open %s: %w", c.engine.Name(), err)
	}
	if c.current != s || s.ended != endNone {
		ended := s.ended
		c.mu.Unlock()
		c.release(ctx, handle)
		if ended == endFinal || ended == endError {
			// The session completed before Open returned.
			return OutcomeStarted, nil
		}
		return OutcomeUnavailable, ErrStopped
	}
	s.handle = handle
	c.mu.Unlock()

	c.log.Info("listening", slog.String("session_id", snapshot.ID))
	return OutcomeStarted, nil
}

// StopListening releases the session from any state and always reports true.
func (c *Controller) StopListening(ctx context.Context) bool {
	c.mu.Lock()
	s := c.current
	if s == nil {
		c.mu.Unlock()
		return true
	}
	previous := s.State
	snapshot := s.Session
	s.State = StateStopping
	if s.ended == endNone {
		s.ended = endStopped
	}
	handle := s.handle
	s.handle = nil
	c.mu.Unlock()

	if handle != nil {
		c.release(ctx, handle)
	}

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	s.State = StateIdle
	c.mu.Unlock()

	if previous == StateListening && snapshot.ID != "" {
		c.metrics.sessionEnded(ctx, c.engine.Name(), c.clock().Sub(snapshot.StartedAt).Seconds())
		c.record(ctx, snapshot.ID, "session.stopped", map[string]any{"from": previous.String()})
	}
	c.log.Info("stopped listening", slog.String("session_id", snapshot.ID), slog.String("from", previous.String()))
	return true
}

// Teardown stops any session, drops the sink and rejects further starts.
func (c *Controller) Teardown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.StopListening(context.Background())
	c.stream.Unsubscribe()
	c.wg.Wait()
	c.stream.Close()
}

func (c *Controller) authorize(ctx context.Context) (auth Authorization, err error) {
	defer func() {
		if r := recover(); r != nil {
			auth, err = AuthorizationNotDetermined, fmt.Errorf("gate panicked: %v", r)
		}
	}()
	return c.gate.Authorize(ctx)
}

func (c *Controller) engineAvailable(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("engine availability panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	return c.engine.Available(ctx)
}

func (c *Controller) open(ctx context.Context, s *activeSession) (h Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("engine panicked: %v", r)
		}
	}()
	h, err = c.engine.Open(ctx, s.ID, &sessionListener{c: c, s: s})
	if err == nil && h == nil {
		h = HandleFunc(func(context.Context) error { return nil })
	}
	return h, err
}

func (c *Controller) release(ctx context.Context, h Handle) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("engine release panicked", slog.Any("panic", r))
		}
	}()
	if err := h.Release(ctx); err != nil {
		c.log.Warn("engine release failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) releaseAsync(h Handle) {
	if h == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.release(context.Background(), h)
	}()
}

func (c *Controller) recordStart(ctx context.Context, s Session) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordSession(ctx, s.ID, c.engine.Name()); err != nil {
		c.log.Warn("record session failed", slog.String("error", err.Error()))
	}
	c.record(ctx, s.ID, "session.started", map[string]any{"started_at": s.StartedAt.UTC()})
}

func (c *Controller) record(ctx context.Context, sessionID, kind string, payload any) {
	if c.recorder == nil || sessionID == "" {
		return
	}
	if err := c.recorder.RecordEvent(ctx, sessionID, kind, payload); err != nil {
		c.log.Warn("record event failed", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}

// sessionListener is the normalizer registered with the engine for one session.
type sessionListener struct {
	c *Controller
	s *activeSession
}

func (l *sessionListener) OnResult(r Result) {
	c := l.c
	c.mu.Lock()
	if !l.live() {
		c.mu.Unlock()
		return
	}
	evt, ok := Normalize(r)
	if ok {
		c.stream.publishEvent(evt)
	}
	var handle Handle
	if r.Final {
		handle = l.finish(endFinal)
	}
	s := l.s.Session
	c.mu.Unlock()

	ctx := context.Background()
	if ok {
		c.metrics.eventDelivered(ctx, c.engine.Name(), evt.IsFinal)
		kind := "recognition.partial"
		if evt.IsFinal {
			kind = "recognition.final"
		}
		c.record(ctx, s.ID, kind, map[string]any{
			"text":       evt.Text,
			"isFinal":    evt.IsFinal,
			"confidence": evt.Confidence,
		})
	}
	if r.Final {
		c.metrics.sessionEnded(ctx, c.engine.Name(), c.clock().Sub(s.StartedAt).Seconds())
		c.releaseAsync(handle)
	}
}

func (l *sessionListener) OnError(code int) {
	c := l.c
	c.mu.Lock()
	if !l.live() {
		c.mu.Unlock()
		return
	}
	sig := NewErrorSignal(code)
	c.stream.publishError(sig)
	handle := l.finish(endError)
	s := l.s.Session
	c.mu.Unlock()

	c.log.Warn("recognition error", slog.String("session_id", s.ID), slog.Int("code", code))
	ctx := context.Background()
	c.metrics.errorDelivered(ctx, c.engine.Name(), code)
	c.metrics.sessionEnded(ctx, c.engine.Name(), c.clock().Sub(s.StartedAt).Seconds())
	c.record(ctx, s.ID, "recognition.error", map[string]any{"code": code, "message": sig.Message})
	c.releaseAsync(handle)
}

// live reports whether callbacks for this session may still be delivered.
// Must be called with c.mu held.
func (l *sessionListener) live() bool {
	return l.c.current == l.s && l.s.State == StateListening && l.s.ended == endNone
}

// finish ends the session from a callback. Must be called with c.mu held.
func (l *sessionListener) finish(reason endReason) Handle {
	l.s.ended = reason
	l.s.State = StateIdle
	l.c.current = nil
	handle := l.s.handle
	l.s.handle = nil
	return handle
}
