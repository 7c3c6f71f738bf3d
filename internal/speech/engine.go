package speech

import "context"

// Result is a raw engine callback payload.
type Result struct {
	// Alternatives are text candidates, best first.
	Alternatives []string
	// Segments holds per-segment confidences when NativeConfidence is set.
	Segments         []float64
	NativeConfidence bool
	Final            bool
}

// Listener is registered with an engine for the lifetime of one session.
type Listener interface {
	OnResult(Result)
	OnError(code int)
}

// Handle releases the native resources of one session. Release must be safe
// to call more than once.
type Handle interface {
	Release(ctx context.Context) error
}

// Engine is an opaque recognizer backend. The listener may be called from any
// goroutine once Open has been entered, until the handle is released.
type Engine interface {
	Name() string
	Available(ctx context.Context) bool
	Open(ctx context.Context, sessionID string, l Listener) (Handle, error)
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context) error

func (f HandleFunc) Release(ctx context.Context) error { return f(ctx) }
