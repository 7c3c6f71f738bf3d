package deepgram

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// session accumulates is_final segments until Deepgram reports the end of
// the utterance.
type session struct {
	id       string
	listener speech.Listener
	log      *slog.Logger

	client     *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	mu         sync.Mutex
	stopFrames func() error
	texts      []string
	segments   []float64
	done       bool
	released   bool
	once       sync.Once
}

func newSession(id string, l speech.Listener, log *slog.Logger) *session {
	return &session{id: id, listener: l, log: log}
}

func (s *session) setStopFrames(stop func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFrames = stop
}

func (s *session) handleFrame(frame protocol.AudioFrame) {
	s.mu.Lock()
	closed := s.done || s.released
	s.mu.Unlock()
	if closed {
		return
	}
	if len(frame.PCM) > 0 {
		if _, err := s.pipeWriter.Write(frame.PCM); err != nil {
			s.log.Warn("failed to send audio to deepgram",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()))
			return
		}
	}
	if frame.Final {
		_ = s.pipeWriter.Close()
	}
}

// transcript handles one Deepgram result. Interim results are reported as
// partials over the accumulated text; speechFinal completes the session.
func (s *session) transcript(text string, words []float64, isFinal, speechFinal bool) {
	s.mu.Lock()
	if s.done || s.released {
		s.mu.Unlock()
		return
	}
	texts := append(append([]string(nil), s.texts...), text)
	segments := append(append([]float64(nil), s.segments...), words...)
	if isFinal {
		s.texts = texts
		s.segments = segments
	}
	if speechFinal {
		s.done = true
	}
	s.mu.Unlock()

	joined := joinTexts(texts)
	if speechFinal {
		s.complete(joined, segments)
		return
	}
	if joined == "" {
		return
	}
	s.listener.OnResult(speech.Result{
		Alternatives:     []string{joined},
		Segments:         segments,
		NativeConfidence: len(segments) > 0,
	})
}

// utteranceEnd completes the session with what has been accumulated.
func (s *session) utteranceEnd() {
	s.mu.Lock()
	if s.done || s.released || len(s.texts) == 0 {
		s.mu.Unlock()
		return
	}
	s.done = true
	texts := s.texts
	segments := s.segments
	s.mu.Unlock()
	s.complete(joinTexts(texts), segments)
}

func (s *session) complete(text string, segments []float64) {
	if text == "" {
		s.listener.OnError(speech.ErrorNoMatch)
		return
	}
	s.listener.OnResult(speech.Result{
		Alternatives:     []string{text},
		Segments:         segments,
		NativeConfidence: len(segments) > 0,
		Final:            true,
	})
}

func (s *session) fail(code int) {
	s.mu.Lock()
	if s.done || s.released {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.listener.OnError(code)
}

func (s *session) Release(context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		stop := s.stopFrames
		s.mu.Unlock()
		if stop != nil {
			err = stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.pipeReader != nil {
			_ = s.pipeReader.Close()
		}
		if s.client != nil {
			s.client.Stop()
		}
	})
	return err
}

func joinTexts(texts []string) string {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// errorCode maps a Deepgram error code to the stream code. Non-numeric codes
// are reported as server errors.
func errorCode(raw string) int {
	if code, err := strconv.Atoi(raw); err == nil && code > 0 {
		return code
	}
	return speech.ErrorServer
}

type callback struct {
	session *session
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.session.log.Info("deepgram connection opened", slog.String("session_id", c.session.id))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	var words []float64
	for _, w := range alt.Words {
		words = append(words, w.Confidence)
	}
	if len(words) == 0 && alt.Transcript != "" && alt.Confidence > 0 {
		words = []float64{alt.Confidence}
	}
	c.session.transcript(alt.Transcript, words, mr.IsFinal || mr.SpeechFinal, mr.SpeechFinal)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.session.log.Debug("deepgram metadata received",
		slog.String("session_id", c.session.id),
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.session.utteranceEnd()
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.session.log.Info("deepgram connection closed", slog.String("session_id", c.session.id))
	c.session.fail(speech.ErrorNetwork)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.session.log.Error("deepgram error",
		slog.String("session_id", c.session.id),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.session.fail(errorCode(er.ErrCode))
	return nil
}

func (c *callback) UnhandledEvent(data []byte) error {
	c.session.log.Debug("deepgram unhandled event",
		slog.String("session_id", c.session.id),
		slog.String("data", string(data)))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)
