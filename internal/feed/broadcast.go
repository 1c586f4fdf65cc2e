package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Recv after the broadcaster shut down.
var ErrClosed = errors.New("broadcast closed")

// LagError reports samples a subscriber missed because newer ones displaced
// them. Subscribers drop it and keep receiving.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("broadcast lagged: %d sample(s) dropped", e.Missed)
}

// Broadcaster fans encoded samples out to any number of subscribers with
// capacity-1 lossy semantics: a slow subscriber never blocks the producer,
// the oldest undelivered sample is dropped on overflow, and each subscriber
// sees samples in production order from wherever it catches up.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber is one independent reader of the broadcast.
type Subscriber struct {
	b      *Broadcaster
	ch     chan []byte
	lagged atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new reader. A subscriber created after Close only
// ever observes ErrClosed.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{b: b, ch: make(chan []byte, 1)}
	b.mu.Lock()
	if b.closed {
		close(s.ch)
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Send delivers the sample to every subscriber without blocking, displacing
// an undelivered older sample where necessary. It returns the number of
// subscribers reached; zero subscribers is not an error.
func (b *Broadcaster) Send(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	for s := range b.subs {
		select {
		case s.ch <- data:
			continue
		default:
		}
		// Queue full: drop the stale sample, then retry once.
		select {
		case <-s.ch:
			s.lagged.Add(1)
		default:
		}
		select {
		case s.ch <- data:
		default:
		}
	}
	return len(b.subs)
}

// Close terminates every subscriber. Further Sends are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// Recv returns the next sample. After samples were displaced it first
// returns a *LagError (once), with the newest sample still pending. Returns
// ErrClosed after the broadcaster shut down and ctx.Err() on cancellation.
func (s *Subscriber) Recv(ctx context.Context) ([]byte, error) {
	if n := s.lagged.Swap(0); n > 0 {
		return nil, &LagError{Missed: n}
	}
	select {
	case data, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe detaches the subscriber; pending samples are discarded.
func (s *Subscriber) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		close(s.ch)
	}
}
