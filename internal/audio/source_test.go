package audio

import (
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus/bustest"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func TestBusSourceRoutesBySession(t *testing.T) {
	client := bustest.Connect(t)
	src := NewBusSource(client, "", bustest.Logger())

	frames := make(chan protocol.AudioFrame, 4)
	stop, err := src.Frames("s1", func(f protocol.AudioFrame) { frames <- f })
	if err != nil {
		t.Fatalf("frames: %v", err)
	}

	if err := client.PublishJSON(protocol.AudioSubject("s2"), protocol.AudioFrame{Sequence: 9}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(protocol.AudioSubject("s1"), protocol.AudioFrame{Sequence: 1, PCM: []byte{1, 0}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = client.Conn().Flush()

	select {
	case f := <-frames:
		if f.Sequence != 1 || f.SessionID != "s1" || len(f.PCM) != 2 {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = client.PublishJSON(protocol.AudioSubject("s1"), protocol.AudioFrame{Sequence: 2})
	_ = client.Conn().Flush()
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame after stop %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusSourceNodeSubjectFeedsActiveSession(t *testing.T) {
	client := bustest.Connect(t)
	src := NewBusSource(client, "kitchen", bustest.Logger())
	if got := src.NodeSubject(); got != "audio.frame.kitchen" {
		t.Fatalf("unexpected node subject %q", got)
	}

	frames := make(chan protocol.AudioFrame, 4)
	stop, err := src.Frames("session-42", func(f protocol.AudioFrame) { frames <- f })
	if err != nil {
		t.Fatalf("frames: %v", err)
	}

	// The producer does not know the session ID.
	if err := client.PublishJSON(src.NodeSubject(), protocol.AudioFrame{SessionID: "device-7", Sequence: 1, PCM: []byte{1, 0}, Final: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = client.Conn().Flush()

	select {
	case f := <-frames:
		if f.SessionID != "session-42" || !f.Final || f.Sequence != 1 {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame on node subject not delivered")
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = client.PublishJSON(src.NodeSubject(), protocol.AudioFrame{Sequence: 2})
	_ = client.Conn().Flush()
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame after stop %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}
