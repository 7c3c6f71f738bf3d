package speech

import "fmt"

// ErrorKind is the only error signal kind delivered on the event stream.
const ErrorKind = "SPEECH_ERROR"

// Engine error codes. Backends report their own raw codes; these cover the
// conditions the bundled engines can detect.
const (
	ErrorNetworkTimeout = 1
	ErrorNetwork        = 2
	ErrorAudio          = 3
	ErrorServer         = 4
	ErrorClient         = 5
	ErrorSpeechTimeout  = 6
	ErrorNoMatch        = 7
	ErrorBusy           = 8
	ErrorPermissions    = 9
)

// RecognitionEvent is a transient transcription update.
type RecognitionEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// ErrorSignal terminates a session on the event stream.
type ErrorSignal struct {
	Kind    string
	Code    int
	Message string
}

// NewErrorSignal builds the SPEECH_ERROR signal for an engine code.
func NewErrorSignal(code int) ErrorSignal {
	return ErrorSignal{
		Kind:    ErrorKind,
		Code:    code,
		Message: fmt.Sprintf("Speech recognition error: %d", code),
	}
}

// Sink receives the event stream. Calls are made from a single dispatcher
// goroutine, in order.
type Sink interface {
	Event(RecognitionEvent)
	Error(ErrorSignal)
}
