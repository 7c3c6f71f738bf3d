package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Websocket serves calls and the event stream over one socket per client.
// A connecting client becomes the stream sink, replacing any previous one.
type Websocket struct {
	ctrl       Controller
	log        *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	sendTimeout time.Duration

	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
	clients  map[*wsClient]struct{}
}

// defaultSendTimeout bounds how long a delivery waits on a full send buffer
// before the client is disconnected.
const defaultSendTimeout = 2 * time.Second

func NewWebsocket(ctrl Controller, cfg config.ChannelConfig, log *slog.Logger) *Websocket {
	buffer := cfg.SendBufferSize
	if buffer <= 0 {
		buffer = 64
	}
	return &Websocket{
		ctrl: ctrl,
		log:  log.With(slog.String("component", "ws-channel")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer:  buffer,
		sendTimeout: defaultSendTimeout,
		clients:     make(map[*wsClient]struct{}),
	}
}

func (h *Websocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := newWSClient(conn, h.sendBuffer, h.sendTimeout, h.log)
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		client.close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go client.loop()
	h.ctrl.Subscribe(client)
	h.log.Info("websocket client connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	var calls sync.WaitGroup
	defer func() {
		cancel()
		h.ctrl.Stream().Release(client)
		calls.Wait()
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		client.close()
		h.log.Info("websocket client disconnected", slog.String("remote", r.RemoteAddr))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.CallRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.enqueue(protocol.CallResponse{Error: protocol.ErrBadRequest, Message: err.Error()})
			continue
		}
		switch req.Method {
		case protocol.MethodListen:
			h.ctrl.Subscribe(client)
			client.enqueue(protocol.CallResponse{ID: req.ID, Result: true})
		case protocol.MethodCancel:
			h.ctrl.Stream().Release(client)
			client.enqueue(protocol.CallResponse{ID: req.ID, Result: true})
		default:
			calls.Add(1)
			go func(req protocol.CallRequest) {
				defer calls.Done()
				client.enqueue(Dispatch(ctx, h.ctrl, req))
			}(req)
		}
	}
}

// Close refuses new clients, disconnects the current ones and waits for
// their handlers to return.
func (h *Websocket) Close() {
	h.mu.Lock()
	h.draining = true
	for client := range h.clients {
		_ = client.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  atomic.Bool
	timeout time.Duration
	log     *slog.Logger
}

func newWSClient(conn *websocket.Conn, buffer int, timeout time.Duration, log *slog.Logger) *wsClient {
	return &wsClient{
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     log,
	}
}

func (c *wsClient) Event(evt speech.RecognitionEvent) {
	c.enqueue(EventMessage(evt))
}

func (c *wsClient) Error(sig speech.ErrorSignal) {
	c.enqueue(ErrorMessage(sig))
}

func (c *wsClient) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("failed to marshal websocket frame", slog.String("error", err.Error()))
		return
	}
	select {
	case <-c.done:
		return
	case c.send <- data:
		return
	default:
	}
	// A client that cannot keep up is disconnected rather than silently
	// missing a final event or error.
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case c.send <- data:
	case <-timer.C:
		c.log.Warn("websocket client too slow, disconnecting", slog.Duration("timeout", c.timeout))
		c.close()
	}
}

func (c *wsClient) loop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *wsClient) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
	_ = c.conn.Close()
}
