// Package audio routes PCM frames published by edge devices to the engine
// serving the matching recognition session.
package audio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Source delivers frames for one session until the returned stop func is called.
type Source interface {
	Frames(sessionID string, fn func(protocol.AudioFrame)) (stop func() error, err error)
}

// BusSource reads frames for the active session. A producer that already
// knows the session ID publishes to audio.frame.<session>; one that only
// knows which node it is talking to publishes to audio.frame.<node>, which
// always feeds the single session of that node.
type BusSource struct {
	bus    *bus.Client
	nodeID string
	log    *slog.Logger
}

func NewBusSource(busClient *bus.Client, nodeID string, log *slog.Logger) *BusSource {
	return &BusSource{
		bus:    busClient,
		nodeID: nodeID,
		log:    log.With(slog.String("component", "audio-source")),
	}
}

// NodeSubject is the fixed subject feeding whichever session is active.
func (s *BusSource) NodeSubject() string {
	if s.nodeID == "" {
		return ""
	}
	return protocol.AudioSubject(s.nodeID)
}

func (s *BusSource) Frames(sessionID string, fn func(protocol.AudioFrame)) (func() error, error) {
	handler := func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.log.Warn("failed to decode audio frame",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		frame.SessionID = sessionID
		fn(frame)
	}

	subjects := []string{protocol.AudioSubject(sessionID)}
	if node := s.NodeSubject(); node != "" && node != subjects[0] {
		subjects = append(subjects, node)
	}
	var subs []*nats.Subscription
	stop := func() error {
		var errs []error
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	for _, subject := range subjects {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			_ = stop()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return stop, nil
}
