package remote

import (
	"context"
	"sync"
	"sync/atomic"
)

const eventBuffer = 64

// Producer drives one remote execution. It calls emit for every chunk and
// returns nil on success. emit reports false once the session is cancelled,
// after which the producer should return promptly.
type Producer func(ctx context.Context, emit func(Event) bool) error

// Session is a single, non-restartable remote execution.
type Session struct {
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	cancelled atomic.Bool
}

// Start runs producer in the background. The session outlives ctx
// cancellation: only Cancel stops it.
func Start(ctx context.Context, producer Producer) *Session {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    runCtx,
		cancel: cancel,
	}
	go s.run(producer)
	return s
}

func (s *Session) run(producer Producer) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	err := producer(s.ctx, s.emit)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.emit(Event{Kind: EventFailed, Message: err.Error(), Err: err})
		return
	}
	s.emit(Event{Kind: EventCompleted})
}

func (s *Session) emit(ev Event) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Events returns the output sequence. The channel is closed after the
// terminal event, or without one when the session was cancelled.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Cancel stops the session. It is safe to call more than once.
func (s *Session) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.cancel()
	})
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Wait blocks until the producer has returned.
func (s *Session) Wait() {
	<-s.done
}

// Done is closed once the producer has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
