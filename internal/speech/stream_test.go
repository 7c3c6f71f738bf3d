package speech

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

type countingSink struct {
	mu     sync.Mutex
	events []string
	errors []int
}

func (s *countingSink) Event(e RecognitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Text)
}

func (s *countingSink) Error(e ErrorSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e.Code)
}

func (s *countingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamDeliversInOrder(t *testing.T) {
	s := NewEventStream(discardLogger())
	t.Cleanup(s.Close)
	sink := &countingSink{}
	s.Subscribe(sink)

	want := []string{"a", "b", "c", "d"}
	for _, w := range want {
		s.publishEvent(RecognitionEvent{Text: w})
	}
	s.Flush()
	got := sink.texts()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestStreamResubscribeOverwrites(t *testing.T) {
	s := NewEventStream(discardLogger())
	t.Cleanup(s.Close)
	first := &countingSink{}
	second := &countingSink{}

	s.Subscribe(first)
	s.publishEvent(RecognitionEvent{Text: "one"})
	s.Flush()
	s.Subscribe(second)
	s.publishEvent(RecognitionEvent{Text: "two"})
	s.Flush()

	if got := first.texts(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("first sink got %v", got)
	}
	if got := second.texts(); len(got) != 1 || got[0] != "two" {
		t.Fatalf("second sink got %v", got)
	}
}

func TestStreamReleaseOnlyCurrent(t *testing.T) {
	s := NewEventStream(discardLogger())
	t.Cleanup(s.Close)
	old := &countingSink{}
	current := &countingSink{}
	s.Subscribe(old)
	s.Subscribe(current)

	s.Release(old)
	if !s.Subscribed() {
		t.Fatal("releasing a stale sink must keep the current one")
	}
	s.Release(current)
	if s.Subscribed() {
		t.Fatal("expected no sink after releasing the current one")
	}
}

func TestStreamWithoutSinkDrops(t *testing.T) {
	s := NewEventStream(discardLogger())
	t.Cleanup(s.Close)
	s.publishError(NewErrorSignal(2))
	s.Flush()

	sink := &countingSink{}
	s.Subscribe(sink)
	s.Flush()
	if len(sink.errors) != 0 {
		t.Fatalf("expected dropped delivery, got %v", sink.errors)
	}
}

type panickySink struct{ countingSink }

func (p *panickySink) Event(RecognitionEvent) { panic("sink failure") }

func TestStreamSurvivesSinkPanic(t *testing.T) {
	s := NewEventStream(discardLogger())
	t.Cleanup(s.Close)
	sink := &panickySink{}
	s.Subscribe(sink)
	s.publishEvent(RecognitionEvent{Text: "boom"})
	s.publishError(NewErrorSignal(5))
	s.Flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) != 1 || sink.errors[0] != 5 {
		t.Fatalf("expected error delivered after panic, got %v", sink.errors)
	}
}
