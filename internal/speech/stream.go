package speech

import (
	"log/slog"
	"sync"
)

type delivery struct {
	event *RecognitionEvent
	err   *ErrorSignal
}

// EventStream forwards deliveries to at most one sink. Subscribing replaces
// the previous sink. Publishing never blocks: deliveries are queued and
// handed to the sink from a single dispatcher goroutine in publish order.
type EventStream struct {
	log *slog.Logger

	mu      sync.Mutex
	sink    Sink
	queue   []delivery
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	idle    *sync.Cond
	busy    bool
}

func NewEventStream(log *slog.Logger) *EventStream {
	s := &EventStream{
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Subscribe registers sink, silently replacing any previous one.
func (s *EventStream) Subscribe(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Unsubscribe drops the current sink.
func (s *EventStream) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// Release drops sink only if it is still the current one.
func (s *EventStream) Release(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == sink {
		s.sink = nil
	}
}

// Subscribed reports whether a sink is registered.
func (s *EventStream) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *EventStream) publishEvent(evt RecognitionEvent) {
	s.enqueue(delivery{event: &evt})
}

func (s *EventStream) publishError(sig ErrorSignal) {
	s.enqueue(delivery{err: &sig})
}

func (s *EventStream) enqueue(d delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every queued delivery has been handed to the sink.
func (s *EventStream) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for (len(s.queue) > 0 || s.busy) && !s.closed {
		s.idle.Wait()
	}
}

// Close delivers what is already queued, then stops the dispatcher.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.stopped
}

func (s *EventStream) run() {
	defer close(s.stopped)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.busy = false
				s.idle.Broadcast()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			d := s.queue[0]
			s.queue = s.queue[1:]
			sink := s.sink
			s.busy = true
			s.mu.Unlock()

			if sink == nil {
				continue
			}
			s.deliver(sink, d)
		}
	}
}

func (s *EventStream) deliver(sink Sink, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event sink panicked", slog.Any("panic", r))
		}
	}()
	if d.event != nil {
		sink.Event(*d.event)
		return
	}
	sink.Error(*d.err)
}
