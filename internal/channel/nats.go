package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
)

// BusSink publishes stream deliveries to one subject.
type BusSink struct {
	bus     *bus.Client
	subject string
	log     *slog.Logger
}

func NewBusSink(busClient *bus.Client, subject string, log *slog.Logger) *BusSink {
	return &BusSink{bus: busClient, subject: subject, log: log}
}

func (s *BusSink) Subject() string { return s.subject }

func (s *BusSink) Event(evt speech.RecognitionEvent) {
	s.publish(EventMessage(evt))
}

func (s *BusSink) Error(sig speech.ErrorSignal) {
	s.publish(ErrorMessage(sig))
}

func (s *BusSink) publish(msg protocol.StreamMessage) {
	if err := s.bus.PublishJSON(s.subject, msg); err != nil {
		s.log.Warn("failed to publish stream message",
			slog.String("subject", s.subject),
			slog.String("error", err.Error()))
	}
}

// NATS serves the method channel on <method_subject>.call and the event
// channel on <event_subject>.listen and <event_subject>.cancel.
type NATS struct {
	bus  *bus.Client
	cfg  config.ChannelConfig
	ctrl Controller
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func NewNATS(busClient *bus.Client, cfg config.ChannelConfig, ctrl Controller, log *slog.Logger) *NATS {
	return &NATS{
		bus:  busClient,
		cfg:  cfg,
		ctrl: ctrl,
		log:  log.With(slog.String("component", "nats-channel")),
	}
}

func (n *NATS) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	routes := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{n.CallSubject(), n.handleCall},
		{n.cfg.EventSubject + "." + protocol.ListenSuffix, n.handleListen},
		{n.cfg.EventSubject + "." + protocol.CancelSuffix, n.handleCancel},
	}
	for _, route := range routes {
		sub, err := n.bus.Conn().Subscribe(route.subject, route.handler)
		if err != nil {
			n.Close()
			return fmt.Errorf("subscribe %s: %w", route.subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	n.log.Info("channel ready",
		slog.String("method_subject", n.CallSubject()),
		slog.String("event_subject", n.cfg.EventSubject))
	return nil
}

func (n *NATS) CallSubject() string {
	return n.cfg.MethodSubject + "." + protocol.CallSuffix
}

func (n *NATS) Close() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// handleCall runs each call on its own goroutine so a start suspended on the
// gate does not hold back a stop.
func (n *NATS) handleCall(msg *nats.Msg) {
	var req protocol.CallRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		n.respond(msg, protocol.CallResponse{Error: protocol.ErrBadRequest, Message: err.Error()})
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		resp := Dispatch(n.ctx, n.ctrl, req)
		n.log.Debug("call handled", slog.String("method", req.Method), slog.Any("result", resp.Result))
		n.respond(msg, resp)
	}()
}

func (n *NATS) handleListen(msg *nats.Msg) {
	var req protocol.ListenRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Subject == "" {
		n.respond(msg, protocol.CallResponse{Error: protocol.ErrBadRequest, Message: "listen requires a subject"})
		return
	}
	n.ctrl.Subscribe(NewBusSink(n.bus, req.Subject, n.log))
	n.log.Info("event sink registered", slog.String("subject", req.Subject))
	n.respond(msg, protocol.CallResponse{Result: true})
}

func (n *NATS) handleCancel(msg *nats.Msg) {
	n.ctrl.Unsubscribe()
	n.log.Info("event sink cancelled")
	n.respond(msg, protocol.CallResponse{Result: true})
}

func (n *NATS) respond(msg *nats.Msg, resp protocol.CallResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		n.log.Warn("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		n.log.Warn("failed to respond", slog.String("error", err.Error()))
	}
}
