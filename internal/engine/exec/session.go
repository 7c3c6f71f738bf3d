package exec

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type session struct {
	engine     *Engine
	id         string
	listener   speech.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	stopFrames func() error

	mu           sync.Mutex
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	done         bool
	released     bool
	wg           sync.WaitGroup
	once         sync.Once
}

func (s *session) handleFrame(frame protocol.AudioFrame) {
	s.mu.Lock()
	if s.done || s.released {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, frame.PCM...)
	s.mu.Unlock()

	if s.engine.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial() {
		s.schedule(false)
	}
	if frame.Final {
		s.schedule(true)
	}
}

func (s *session) shouldSchedulePartial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	if s.lastPartial.IsZero() {
		s.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.engine.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(s.lastPartial) >= interval {
		s.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *session) schedule(final bool) {
	s.mu.Lock()
	if s.done || s.released {
		s.mu.Unlock()
		return
	}
	if s.inflight {
		if final {
			s.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	if final && len(s.buffer) == 0 {
		s.done = true
		s.mu.Unlock()
		s.listener.OnError(speech.ErrorSpeechTimeout)
		return
	}
	pcm := append([]byte(nil), s.buffer...)
	s.inflight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(pcm, final)
	}()
}

func (s *session) run(pcm []byte, final bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.engine.timeout())
	defer cancel()

	result, err := s.engine.transcribe(ctx, pcm, final)

	s.mu.Lock()
	s.inflight = false
	pendingFinal := s.pendingFinal
	s.pendingFinal = false
	if !final {
		s.lastPartial = time.Now()
	}
	if final {
		s.done = true
	}
	released := s.released
	s.mu.Unlock()

	if released || errors.Is(s.ctx.Err(), context.Canceled) {
		return
	}

	switch {
	case err != nil && final:
		s.engine.log.Warn("recognizer command failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
		s.listener.OnError(errorCode(err))
		return
	case err != nil:
		s.engine.log.Warn("partial transcription failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
	case final && !hasText(result):
		s.listener.OnError(speech.ErrorNoMatch)
		return
	case final:
		s.listener.OnResult(result)
		return
	case hasText(result):
		s.listener.OnResult(result)
	}

	if pendingFinal {
		s.schedule(true)
	}
}

// Release stops the frame subscription and waits for in-flight commands.
func (s *session) Release(context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		if s.stopFrames != nil {
			err = s.stopFrames()
		}
		s.cancel()
		s.wg.Wait()
	})
	return err
}

func hasText(r speech.Result) bool {
	return len(r.Alternatives) > 0 && r.Alternatives[0] != ""
}
