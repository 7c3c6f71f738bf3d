package mock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type listener struct {
	mu      sync.Mutex
	results []speech.Result
	codes   []int
	done    chan struct{}
}

func newListener() *listener { return &listener{done: make(chan struct{}, 1)} }

func (l *listener) OnResult(r speech.Result) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
	if r.Final {
		l.done <- struct{}{}
	}
}

func (l *listener) OnError(code int) {
	l.mu.Lock()
	l.codes = append(l.codes, code)
	l.mu.Unlock()
	l.done <- struct{}{}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScriptPlaysUntilFinal(t *testing.T) {
	e := New(config.MockConfig{
		Available: true,
		Script: []config.MockStep{
			{Text: "hel"},
			{Text: "hello world", Final: true, Confidences: []float64{0.8, 0.84}},
			{Text: "ignored"},
		},
	}, newLogger())
	if !e.Available(context.Background()) {
		t.Fatal("expected available")
	}
	l := newListener()
	h, err := e.Open(context.Background(), "s1", l)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("script did not finish")
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(l.results))
	}
	if !l.results[1].NativeConfidence || len(l.results[1].Segments) != 2 {
		t.Fatalf("expected native confidence on final, got %+v", l.results[1])
	}
}

func TestScriptError(t *testing.T) {
	e := New(config.MockConfig{Available: true, Script: []config.MockStep{{ErrorCode: 7}, {Text: "never"}}}, newLogger())
	l := newListener()
	h, err := e.Open(context.Background(), "s1", l)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	<-l.done
	_ = h.Release(context.Background())
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.codes) != 1 || l.codes[0] != 7 || len(l.results) != 0 {
		t.Fatalf("unexpected callbacks: %v %v", l.codes, l.results)
	}
}

func TestReleaseStopsPlayback(t *testing.T) {
	e := New(config.MockConfig{Available: true, StepDelay: 10000, Script: []config.MockStep{{Text: "slow"}}}, newLogger())
	l := newListener()
	h, _ := e.Open(context.Background(), "s1", l)
	start := time.Now()
	_ = h.Release(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("release did not interrupt playback")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) != 0 {
		t.Fatalf("expected no results, got %v", l.results)
	}
}
