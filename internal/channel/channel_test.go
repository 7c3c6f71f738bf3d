package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/bus/bustest"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/engine/mock"
	"github.com/loqalabs/loqa-speech/internal/gate"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
)

func newController(t *testing.T) *speech.Controller {
	t.Helper()
	engine := mock.New(config.MockConfig{
		Available: true,
		StepDelay: 10,
		Script: []config.MockStep{
			{Text: "hel"},
			{Text: "hello"},
			{Text: "hello world", Final: true, Confidences: []float64{0.8, 0.84}},
		},
	}, bustest.Logger())
	ctrl := speech.NewController(engine, gate.NewStatic(engine.Available), bustest.Logger())
	t.Cleanup(ctrl.Teardown)
	return ctrl
}

func TestDispatchUnknownMethod(t *testing.T) {
	ctrl := newController(t)
	resp := Dispatch(context.Background(), ctrl, protocol.CallRequest{ID: 4, Method: "getLanguages"})
	if resp.Error != protocol.ErrNotImplemented || resp.ID != 4 || resp.Result != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	resp = Dispatch(context.Background(), ctrl, protocol.CallRequest{Method: protocol.MethodStopListening})
	if resp.Result != true {
		t.Fatalf("expected stop to return true, got %+v", resp)
	}
}

func TestErrorMessageCarriesCode(t *testing.T) {
	msg := ErrorMessage(speech.NewErrorSignal(7))
	if msg.Type != protocol.StreamTypeError || msg.Error.Code != "SPEECH_ERROR" || msg.Error.Details != 7 {
		t.Fatalf("unexpected error message: %+v", msg.Error)
	}
	if msg.Error.Message != "Speech recognition error: 7" {
		t.Fatalf("unexpected message: %q", msg.Error.Message)
	}
}

func request(t *testing.T, nc *nats.Conn, subject string, body any) protocol.CallResponse {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := nc.Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var resp protocol.CallResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestNATSChannelStreamsSession(t *testing.T) {
	client := bustest.Connect(t)
	ctrl := newController(t)
	cfg := config.Default().Channel

	ch := NewNATS(client, cfg, ctrl, bustest.Logger())
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("start channel: %v", err)
	}
	t.Cleanup(ch.Close)

	deliveries := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe("test.events", deliveries)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	nc := client.Conn()
	if resp := request(t, nc, cfg.EventSubject+".listen", protocol.ListenRequest{Subject: "test.events"}); resp.Result != true {
		t.Fatalf("listen failed: %+v", resp)
	}
	if resp := request(t, nc, ch.CallSubject(), protocol.CallRequest{Method: protocol.MethodCheckAvailability}); resp.Result != true {
		t.Fatalf("expected available, got %+v", resp)
	}
	if resp := request(t, nc, ch.CallSubject(), protocol.CallRequest{Method: protocol.MethodStartListening}); resp.Result != true {
		t.Fatalf("expected start to succeed, got %+v", resp)
	}

	var events []protocol.RecognitionEvent
	timeout := time.After(5 * time.Second)
	for len(events) < 3 {
		select {
		case msg := <-deliveries:
			var sm protocol.StreamMessage
			if err := json.Unmarshal(msg.Data, &sm); err != nil {
				t.Fatalf("decode stream message: %v", err)
			}
			if sm.Type != protocol.StreamTypeEvent || sm.Event == nil {
				t.Fatalf("unexpected stream message: %+v", sm)
			}
			events = append(events, *sm.Event)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
	if events[0].Text != "hel" || events[0].Confidence != speech.PartialConfidence || events[0].IsFinal {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	last := events[2]
	if !last.IsFinal || last.Text != "hello world" || last.Confidence < 0.819 || last.Confidence > 0.821 {
		t.Fatalf("unexpected final event: %+v", last)
	}

	if resp := request(t, nc, ch.CallSubject(), protocol.CallRequest{Method: "pause"}); resp.Error != protocol.ErrNotImplemented {
		t.Fatalf("expected not implemented, got %+v", resp)
	}
	msg, err := nc.Request(ch.CallSubject(), []byte("{"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var bad protocol.CallResponse
	if err := json.Unmarshal(msg.Data, &bad); err != nil || bad.Error != protocol.ErrBadRequest {
		t.Fatalf("expected bad request, got %+v (%v)", bad, err)
	}

	if resp := request(t, nc, cfg.EventSubject+".cancel", struct{}{}); resp.Result != true {
		t.Fatalf("cancel failed: %+v", resp)
	}
	if ctrl.Stream().Subscribed() {
		t.Fatal("expected sink removed after cancel")
	}
}

type wsFrame struct {
	ID     int64                      `json:"id"`
	Result any                        `json:"result"`
	Error  string                     `json:"error"`
	Type   string                     `json:"type"`
	Event  *protocol.RecognitionEvent `json:"event"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebsocketCallsAndEvents(t *testing.T) {
	ctrl := newController(t)
	handler := NewWebsocket(ctrl, config.Default().Channel, bustest.Logger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(handler.Close)

	conn := dial(t, srv)
	if err := conn.WriteJSON(protocol.CallRequest{ID: 1, Method: protocol.MethodCheckAvailability}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.ID != 1 || frame.Result != true {
		t.Fatalf("unexpected availability frame: %+v", frame)
	}

	if err := conn.WriteJSON(protocol.CallRequest{ID: 2, Method: protocol.MethodStartListening}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var events []protocol.RecognitionEvent
	var started bool
	for len(events) < 3 || !started {
		frame := readFrame(t, conn)
		switch {
		case frame.ID == 2:
			if frame.Result != true {
				t.Fatalf("expected start response true, got %+v", frame)
			}
			started = true
		case frame.Type == protocol.StreamTypeEvent:
			events = append(events, *frame.Event)
		}
	}
	if !events[2].IsFinal || events[2].Text != "hello world" {
		t.Fatalf("unexpected final event: %+v", events[2])
	}

	if err := conn.WriteJSON(protocol.CallRequest{ID: 3, Method: "unknown"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		frame := readFrame(t, conn)
		if frame.ID == 3 {
			if frame.Error != protocol.ErrNotImplemented {
				t.Fatalf("expected not implemented, got %+v", frame)
			}
			break
		}
	}
}

func TestWebsocketReconnectOverwritesSink(t *testing.T) {
	ctrl := newController(t)
	handler := NewWebsocket(ctrl, config.Default().Channel, bustest.Logger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Cleanup(handler.Close)

	first := dial(t, srv)
	if err := first.WriteJSON(protocol.CallRequest{ID: 1, Method: protocol.MethodCheckAvailability}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, first)

	second := dial(t, srv)
	if err := second.WriteJSON(protocol.CallRequest{ID: 9, Method: protocol.MethodListen}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, second); frame.ID != 9 || frame.Result != true {
		t.Fatalf("unexpected listen frame: %+v", frame)
	}

	if err := second.WriteJSON(protocol.CallRequest{ID: 1, Method: protocol.MethodStartListening}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var finals int
	for finals == 0 {
		frame := readFrame(t, second)
		if frame.Event != nil && frame.Event.IsFinal {
			finals++
		}
	}

	_ = first.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var frame wsFrame
	if err := first.ReadJSON(&frame); err == nil {
		t.Fatalf("expected replaced client to receive nothing, got %+v", frame)
	}

	_ = second.Close()
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Stream().Subscribed() {
		if time.Now().After(deadline) {
			t.Fatal("expected sink released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketRefusesClientsAfterClose(t *testing.T) {
	ctrl := newController(t)
	handler := NewWebsocket(ctrl, config.Default().Channel, bustest.Logger())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	if err := conn.WriteJSON(protocol.CallRequest{ID: 1, Method: protocol.MethodCheckAvailability}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn)

	done := make(chan struct{})
	go func() {
		handler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail after close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %+v", resp)
	}
}

func TestSlowWebsocketClientIsDisconnected(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	peer := dial(t, srv)
	var conn *websocket.Conn
	select {
	case conn = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket not established")
	}

	// No writer loop runs, so the one-slot buffer stays full.
	client := newWSClient(conn, 1, 20*time.Millisecond, bustest.Logger())
	client.Event(speech.RecognitionEvent{Text: "hel", Confidence: 0.5})
	select {
	case <-client.done:
		t.Fatal("client disconnected while buffer had room")
	default:
	}

	client.Error(speech.NewErrorSignal(speech.ErrorNoMatch))
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected slow client to be disconnected instead of dropping the error")
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := peer.ReadMessage(); err == nil {
		t.Fatal("expected peer connection to be closed")
	}
}
