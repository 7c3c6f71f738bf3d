package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Prompt asks an authorizer on the bus for a decision and remembers the last
// answer, so Available reflects the current authorization status.
type Prompt struct {
	bus     *bus.Client
	subject string
	timeout time.Duration
	nodeID  string
	engine  string
	log     *slog.Logger

	mu     sync.Mutex
	status speech.Authorization
}

func NewPrompt(busClient *bus.Client, subject string, timeout time.Duration, nodeID, engine string, log *slog.Logger) *Prompt {
	return &Prompt{
		bus:     busClient,
		subject: subject,
		timeout: timeout,
		nodeID:  nodeID,
		engine:  engine,
		log:     log.With(slog.String("component", "prompt-gate")),
		status:  speech.AuthorizationNotDetermined,
	}
}

// Status returns the last decision received.
func (g *Prompt) Status() speech.Authorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Prompt) Available(context.Context) bool {
	return g.Status() == speech.AuthorizationGranted
}

// Authorize requests a decision even when one was granted before, because the
// authorizer may revoke it.
func (g *Prompt) Authorize(ctx context.Context) (speech.Authorization, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	req := protocol.AuthorizationRequest{
		NodeID:    g.nodeID,
		Engine:    g.engine,
		Timestamp: time.Now().UTC(),
	}
	var reply protocol.AuthorizationReply
	if err := g.bus.RequestJSON(ctx, g.subject, req, &reply); err != nil {
		return speech.AuthorizationNotDetermined, fmt.Errorf("authorization request: %w", err)
	}
	decision := speech.ParseAuthorization(reply.Status)

	g.mu.Lock()
	g.status = decision
	g.mu.Unlock()

	g.log.Info("authorization decided", slog.String("status", decision.String()))
	return decision, nil
}
