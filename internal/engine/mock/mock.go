// Package mock replays a configured script of recognizer callbacks.
package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type Engine struct {
	cfg config.MockConfig
	log *slog.Logger
}

func New(cfg config.MockConfig, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.With(slog.String("component", "mock-engine"))}
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) Available(context.Context) bool { return e.cfg.Available }

func (e *Engine) Open(_ context.Context, sessionID string, l speech.Listener) (speech.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.play(ctx, sessionID, l)
	}()
	var once sync.Once
	return speech.HandleFunc(func(context.Context) error {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
		return nil
	}), nil
}

func (e *Engine) play(ctx context.Context, sessionID string, l speech.Listener) {
	delay := time.Duration(e.cfg.StepDelay) * time.Millisecond
	for i, step := range e.cfg.Script {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		e.log.Debug("mock step", slog.String("session_id", sessionID), slog.Int("step", i))
		if step.ErrorCode != 0 {
			l.OnError(step.ErrorCode)
			return
		}
		l.OnResult(speech.Result{
			Alternatives:     []string{step.Text},
			Segments:         step.Confidences,
			NativeConfidence: len(step.Confidences) > 0,
			Final:            step.Final,
		})
		if step.Final {
			return
		}
	}
}
