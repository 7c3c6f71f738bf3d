package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CallRequest is one named operation on the method channel.
type CallRequest struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResponse carries exactly one result per call.
type CallResponse struct {
	ID      int64  `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ListenRequest asks the event channel to deliver to Subject.
type ListenRequest struct {
	Subject string `json:"subject"`
}

// RecognitionEvent is the wire shape of a transcription event.
type RecognitionEvent struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
}

// StreamError mirrors a platform channel error: code, message, details.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details int    `json:"details"`
}

// StreamMessage is one delivery on the event channel.
type StreamMessage struct {
	Type  string            `json:"type"`
	Event *RecognitionEvent `json:"event,omitempty"`
	Error *StreamError      `json:"error,omitempty"`
}

// AuthorizationRequest is sent by the prompt gate.
type AuthorizationRequest struct {
	NodeID    string    `json:"node_id"`
	Engine    string    `json:"engine"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthorizationReply carries the decision: authorized, denied, restricted, not_determined.
type AuthorizationReply struct {
	Status string `json:"status"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	CallSuffix   = "call"
	ListenSuffix = "listen"
	CancelSuffix = "cancel"

	MethodCheckAvailability = "checkSpeechRecognitionAvailability"
	MethodStartListening    = "startListening"
	MethodStopListening     = "stopListening"
	MethodListen            = "listen"
	MethodCancel            = "cancel"

	ErrNotImplemented = "not_implemented"
	ErrBadRequest     = "bad_request"

	StreamTypeEvent = "event"
	StreamTypeError = "error"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// AudioSubject returns the subject carrying audio frames for a session.
func AudioSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
