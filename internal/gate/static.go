// Package gate provides the capability gates that decide whether a
// recognition session may start.
package gate

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Static resolves immediately from a synchronous availability predicate.
type Static struct {
	available func(ctx context.Context) bool
}

func NewStatic(available func(ctx context.Context) bool) *Static {
	return &Static{available: available}
}

func (g *Static) Available(ctx context.Context) bool {
	return g.available != nil && g.available(ctx)
}

func (g *Static) Authorize(ctx context.Context) (speech.Authorization, error) {
	if g.Available(ctx) {
		return speech.AuthorizationGranted, nil
	}
	return speech.AuthorizationDenied, nil
}
