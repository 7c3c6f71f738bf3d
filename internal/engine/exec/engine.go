// Package exec runs an external recognizer command over buffered session audio.
package exec

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"strconv"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/mattn/go-shellwords"
)

type Engine struct {
	cmd      []string
	cfg      config.ExecConfig
	language string
	source   audio.Source
	log      *slog.Logger
	mu       sync.Mutex
}

// commandOutput is the JSON document the recognizer command prints.
type commandOutput struct {
	Text         string          `json:"text"`
	Confidence   *float64        `json:"confidence"`
	Alternatives []string        `json:"alternatives"`
	Segments     []outputSegment `json:"segments"`
}

type outputSegment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// recognitionError carries the code reported on the event stream.
type recognitionError struct {
	code int
	err  error
}

func (e *recognitionError) Error() string { return e.err.Error() }

func (e *recognitionError) Unwrap() error { return e.err }

func New(cfg config.ExecConfig, language string, source audio.Source, log *slog.Logger) (*Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &Engine{
		cmd:      args,
		cfg:      cfg,
		language: language,
		source:   source,
		log:      log.With(slog.String("component", "exec-engine")),
	}, nil
}

func (e *Engine) Name() string { return "exec" }

// Available reports whether the recognizer binary resolves.
func (e *Engine) Available(context.Context) bool {
	_, err := osexec.LookPath(e.cmd[0])
	return err == nil
}

func (e *Engine) Open(_ context.Context, sessionID string, l speech.Listener) (speech.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		engine:   e,
		id:       sessionID,
		listener: l,
		ctx:      ctx,
		cancel:   cancel,
	}
	stop, err := e.source.Frames(sessionID, s.handleFrame)
	if err != nil {
		cancel()
		return nil, err
	}
	s.stopFrames = stop
	return s, nil
}

func (e *Engine) transcribe(ctx context.Context, pcm []byte, final bool) (speech.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_speech_*.wav")
	if err != nil {
		return speech.Result{}, &recognitionError{code: speech.ErrorClient, err: fmt.Errorf("temp file: %w", err)}
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, e.cfg.SampleRate, e.cfg.Channels); err != nil {
		return speech.Result{}, &recognitionError{code: speech.ErrorAudio, err: err}
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	if e.cfg.MaxAlternatives > 0 {
		args = append(args, "--max-alternatives", strconv.Itoa(e.cfg.MaxAlternatives))
	}
	if !final {
		args = append(args, "--partial")
	}

	command := osexec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		code := speech.ErrorServer
		var exitErr *osexec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			code = speech.ErrorNetworkTimeout
		case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
			code = exitErr.ExitCode()
		}
		return speech.Result{}, &recognitionError{code: code, err: fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())}
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return speech.Result{}, &recognitionError{code: speech.ErrorClient, err: fmt.Errorf("decode recognizer output: %w", err)}
	}
	return e.toResult(out, final), nil
}

func (e *Engine) toResult(out commandOutput, final bool) speech.Result {
	result := speech.Result{Final: final}
	switch {
	case len(out.Alternatives) > 0:
		result.Alternatives = out.Alternatives
	case out.Text != "":
		result.Alternatives = []string{out.Text}
	}
	if limit := e.cfg.MaxAlternatives; limit > 0 && len(result.Alternatives) > limit {
		result.Alternatives = result.Alternatives[:limit]
	}
	switch {
	case len(out.Segments) > 0:
		result.NativeConfidence = true
		for _, seg := range out.Segments {
			result.Segments = append(result.Segments, seg.Confidence)
		}
	case out.Confidence != nil:
		result.NativeConfidence = true
		result.Segments = []float64{*out.Confidence}
	}
	return result
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func errorCode(err error) int {
	var rerr *recognitionError
	if errors.As(err, &rerr) {
		return rerr.code
	}
	return speech.ErrorServer
}

func (e *Engine) timeout() time.Duration {
	if e.cfg.TimeoutMS <= 0 {
		return 45 * time.Second
	}
	return time.Duration(e.cfg.TimeoutMS) * time.Millisecond
}
