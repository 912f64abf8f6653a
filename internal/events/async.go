package events

import "sync/atomic"

// envelope carries either event type through the queue.
type envelope struct {
	state   *StateChange
	attempt *Attempt
}

// AsyncSink decouples a slow sink from the call path with a bounded queue
// drained by a single goroutine. When the queue is full the event is dropped
// and counted; the request path never waits.
type AsyncSink struct {
	inner   Sink
	ch      chan envelope
	done    chan struct{}
	dropped atomic.Uint64
}

// NewAsyncSink starts the drain goroutine. Callers must Close the sink to
// flush buffered events on shutdown.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		inner: inner,
		ch:    make(chan envelope, buffer),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) StateChange(ev StateChange) {
	select {
	case s.ch <- envelope{state: &ev}:
	default:
		s.dropped.Add(1)
	}
}

func (s *AsyncSink) Attempt(ev Attempt) {
	select {
	case s.ch <- envelope{attempt: &ev}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting events, flushes the queue, and waits for the drain
// goroutine to exit.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for env := range s.ch {
		switch {
		case env.state != nil:
			s.inner.StateChange(*env.state)
		case env.attempt != nil:
			s.inner.Attempt(*env.attempt)
		}
	}
}
