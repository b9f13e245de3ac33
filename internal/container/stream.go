package container

import (
	"context"
	"sync"
	"time"
)

// stream is the shared plumbing behind LogStream and EventStream: a producer
// goroutine feeding a channel, cancelled through ctx, closed exactly once.
type stream[T any] struct {
	items  chan T
	cancel context.CancelFunc
	done   chan struct{}

	closeTimeout time.Duration
	closeOnce    sync.Once

	mu  sync.Mutex
	err error
}

func newStream[T any](cancel context.CancelFunc, closeTimeout time.Duration) *stream[T] {
	return &stream[T]{
		items:        make(chan T, 64),
		cancel:       cancel,
		done:         make(chan struct{}),
		closeTimeout: closeTimeout,
	}
}

// emit delivers one item unless the stream has been cancelled.
func (s *stream[T]) emit(ctx context.Context, item T) bool {
	select {
	case s.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the item channel. Called once
// by the producer goroutine.
func (s *stream[T]) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.items)
	close(s.done)
}

func (s *stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer and waits, bounded, for it to exit.
func (s *stream[T]) Close() error {
	s.closeOnce.Do(s.cancel)
	select {
	case <-s.done:
	case <-time.After(s.closeTimeout):
	}
	return nil
}

type logStream struct{ *stream[[]byte] }

func (l logStream) Chunks() <-chan []byte { return l.items }

type eventStream struct{ *stream[Event] }

func (e eventStream) Events() <-chan Event { return e.items }
