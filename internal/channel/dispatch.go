// Package channel exposes the session controller to out-of-process callers
// over NATS and websockets.
package channel

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Controller is the subset of speech.Controller the channels drive.
type Controller interface {
	CheckAvailability(ctx context.Context) bool
	StartListening(ctx context.Context) bool
	StopListening(ctx context.Context) bool
	Subscribe(sink speech.Sink)
	Unsubscribe()
	Stream() *speech.EventStream
}

// Dispatch runs one method-channel call and returns exactly one response.
func Dispatch(ctx context.Context, ctrl Controller, req protocol.CallRequest) protocol.CallResponse {
	resp := protocol.CallResponse{ID: req.ID}
	switch req.Method {
	case protocol.MethodCheckAvailability:
		resp.Result = ctrl.CheckAvailability(ctx)
	case protocol.MethodStartListening:
		resp.Result = ctrl.StartListening(ctx)
	case protocol.MethodStopListening:
		resp.Result = ctrl.StopListening(ctx)
	default:
		resp.Error = protocol.ErrNotImplemented
		resp.Message = fmt.Sprintf("method %q is not implemented", req.Method)
	}
	return resp
}

// EventMessage wraps a recognition event for the wire.
func EventMessage(evt speech.RecognitionEvent) protocol.StreamMessage {
	return protocol.StreamMessage{
		Type: protocol.StreamTypeEvent,
		Event: &protocol.RecognitionEvent{
			Text:       evt.Text,
			IsFinal:    evt.IsFinal,
			Confidence: evt.Confidence,
		},
	}
}

// ErrorMessage wraps an error signal for the wire. The engine code travels
// in details.
func ErrorMessage(sig speech.ErrorSignal) protocol.StreamMessage {
	return protocol.StreamMessage{
		Type: protocol.StreamTypeError,
		Error: &protocol.StreamError{
			Code:    sig.Kind,
			Message: sig.Message,
			Details: sig.Code,
		},
	}
}
