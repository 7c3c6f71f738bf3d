package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/engine/deepgram"
	execengine "github.com/loqalabs/loqa-speech/internal/engine/exec"
	"github.com/loqalabs/loqa-speech/internal/engine/mock"
	"github.com/loqalabs/loqa-speech/internal/gate"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

func newEngine(cfg config.Config, source audio.Source, log *slog.Logger) (speech.Engine, error) {
	switch cfg.Engine.Mode {
	case "mock":
		return mock.New(cfg.Engine.Mock, log), nil
	case "exec":
		engine, err := execengine.New(cfg.Engine.Exec, cfg.Engine.Language, source, log)
		if err != nil {
			return nil, fmt.Errorf("exec engine: %w", err)
		}
		return engine, nil
	case "deepgram":
		return deepgram.New(cfg.Engine.Deepgram, cfg.Engine.Language, source, log), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Engine.Mode)
	}
}

func newGate(cfg config.Config, busClient *bus.Client, engine speech.Engine, log *slog.Logger) speech.Gate {
	if cfg.Gate.Mode == "prompt" {
		timeout := time.Duration(cfg.Gate.TimeoutMS) * time.Millisecond
		return gate.NewPrompt(busClient, cfg.Gate.Subject, timeout, cfg.Node.ID, engine.Name(), log)
	}
	return gate.NewStatic(engine.Available)
}
