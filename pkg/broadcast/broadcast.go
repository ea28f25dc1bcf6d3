package broadcast

import (
	"context"
	"sync"
)

// Server fans values out to any number of subscribers. Delivery blocks
// the producer on slow subscribers rather than dropping: every
// subscriber channel is bounded, and once a buffer fills Publish waits.
// After Close all subscriber channels are closed, making each
// subscription a finite sequence.
type Server[T any] struct {
	source chan T

	mu        sync.Mutex
	closed    bool
	listeners []chan T

	addListener    chan chan T
	removeListener chan (<-chan T)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	buffer int
}

// NewServer creates a broadcast server whose subscriber channels carry
// the given buffer size.
func NewServer[T any](buffer int) *Server[T] {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server[T]{
		source:         make(chan T),
		addListener:    make(chan chan T),
		removeListener: make(chan (<-chan T)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		buffer:         buffer,
	}

	go s.serve()

	return s
}

// Subscribe returns a channel receiving every value published after the
// call. The channel is closed by CancelSubscription or Close.
func (s *Server[T]) Subscribe() <-chan T {
	listener := make(chan T, s.buffer)

	select {
	case s.addListener <- listener:
	case <-s.ctx.Done():
		close(listener)
	}

	return listener
}

// CancelSubscription removes and closes a channel returned by Subscribe.
func (s *Server[T]) CancelSubscription(ch <-chan T) {
	select {
	case s.removeListener <- ch:
	case <-s.ctx.Done():
	}
}

// Publish delivers val to all subscribers, blocking until each has
// buffer room. Cancelling ctx abandons the publish so a stalled
// subscriber cannot wedge a caller that is shutting down. Publishing
// after Close is a no-op.
func (s *Server[T]) Publish(ctx context.Context, val T) {
	select {
	case s.source <- val:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
}

// Close closes every subscriber channel and stops the server.
func (s *Server[T]) Close() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
}

func (s *Server[T]) serve() {
	defer func() {
		for _, listener := range s.listeners {
			close(listener)
		}

		s.listeners = nil

		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case listener := <-s.addListener:
			s.listeners = append(s.listeners, listener)
		case toRemove := <-s.removeListener:
			for i, ch := range s.listeners {
				if ch == toRemove {
					s.listeners[i] = s.listeners[len(s.listeners)-1]
					s.listeners = s.listeners[:len(s.listeners)-1]
					close(ch)

					break
				}
			}
		case val := <-s.source:
			for _, listener := range s.listeners {
				select {
				case listener <- val:
				case <-s.ctx.Done():
					return
				}
			}
		}
	}
}
