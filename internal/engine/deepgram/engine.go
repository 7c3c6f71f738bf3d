// Package deepgram streams session audio to Deepgram live transcription.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

type Engine struct {
	cfg      config.DeepgramConfig
	language string
	source   audio.Source
	log      *slog.Logger
}

func New(cfg config.DeepgramConfig, language string, source audio.Source, log *slog.Logger) *Engine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Engine{
		cfg:      cfg,
		language: language,
		source:   source,
		log:      log.With(slog.String("component", "deepgram-engine")),
	}
}

func (e *Engine) Name() string { return "deepgram" }

// Available reports whether credentials are configured. Connectivity is
// only checked when a session opens.
func (e *Engine) Available(context.Context) bool {
	return e.cfg.APIKey != ""
}

func (e *Engine) Open(_ context.Context, sessionID string, l speech.Listener) (speech.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(sessionID, l, e.log)
	s.cancel = cancel
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       e.language,
		Encoding:       e.cfg.Encoding,
		SampleRate:     e.cfg.SampleRate,
		InterimResults: e.cfg.Interim,
		VadEvents:      true,
		SmartFormat:    true,
	}
	if e.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", e.cfg.UtteranceEndMS)
	}

	e.log.Info("initializing deepgram connection",
		slog.String("session_id", sessionID),
		slog.String("model", e.cfg.Model),
		slog.Int("sample_rate", e.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(ctx, e.cfg.APIKey, clientOptions, transcriptOptions, &callback{session: s})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		return nil, fmt.Errorf("deepgram connection failed")
	}
	s.client = dgClient

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && ctx.Err() == nil {
			e.log.Error("deepgram stream error",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()

	stop, err := e.source.Frames(sessionID, s.handleFrame)
	if err != nil {
		_ = s.Release(context.Background())
		return nil, err
	}
	s.setStopFrames(stop)
	return s, nil
}
