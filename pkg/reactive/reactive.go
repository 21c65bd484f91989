// Package reactive provides the small dataflow primitives the engine composes
// its views from.
//
// Every source publishes immutable snapshots. Subscribers receive a conflated
// channel: a slow reader only ever sees the latest snapshot, producers never
// block on readers, and each subscriber detaches independently by cancelling
// the context it subscribed with.
package reactive

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultGrace is how long a Shared keeps its producer running after the last
// subscriber leaves.
const DefaultGrace = 5 * time.Second

// Observable is anything that can be subscribed to.
type Observable[T any] interface {
	Subscribe(ctx context.Context) <-chan T
}

// Producer runs until ctx is done, calling emit for every new snapshot.
type Producer[T any] func(ctx context.Context, emit func(T))

// deliver performs a latest-wins send into a buffer-1 channel. Callers must
// hold the lock that serializes senders for ch.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Shared runs a single producer on behalf of all of its subscribers. The
// producer starts with the first subscriber and is stopped once the last one
// has been gone for the grace period.
type Shared[T any] struct {
	produce Producer[T]
	grace   time.Duration

	mu       sync.Mutex
	subs     map[uint64]chan T
	nextID   uint64
	latest   T
	has      bool
	cancel   context.CancelFunc
	gen      uint64
	timer    *time.Timer
	timerGen uint64
	starts   int
}

// NewShared wraps produce in a reference-counted subscription.
func NewShared[T any](produce Producer[T], grace time.Duration) *Shared[T] {
	return &Shared[T]{
		produce: produce,
		grace:   grace,
		subs:    make(map[uint64]chan T),
	}
}

// Subscribe attaches a subscriber. The latest snapshot, if any, is replayed
// immediately. The channel is closed once ctx is done.
func (s *Shared[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerGen++
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.has {
		deliver(ch, s.latest)
	}
	if s.cancel == nil {
		s.startLocked()
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(id)
	}()
	return ch
}

// Active reports whether the producer is currently running.
func (s *Shared[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Subscribers returns the number of attached subscribers.
func (s *Shared[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Starts returns how many times the producer has been started.
func (s *Shared[T]) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Shared[T]) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gen++
	s.starts++
	gen := s.gen
	go s.produce(ctx, func(v T) { s.emit(gen, v) })
}

func (s *Shared[T]) emit(gen uint64, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return
	}
	s.latest = v
	s.has = true
	for _, ch := range s.subs {
		deliver(ch, v)
	}
}

func (s *Shared[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(ch)
	if len(s.subs) > 0 || s.cancel == nil {
		return
	}
	if s.grace <= 0 {
		s.stopLocked()
		return
	}
	s.timerGen++
	tg := s.timerGen
	s.timer = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if tg != s.timerGen || len(s.subs) > 0 {
			return
		}
		s.timer = nil
		s.stopLocked()
	})
}

func (s *Shared[T]) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.has = false
	var zero T
	s.latest = zero
}

// Value is a settable source that always has a current value.
type Value[T any] struct {
	mu     sync.Mutex
	v      T
	subs   map[uint64]chan T
	nextID uint64
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[uint64]chan T)}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set replaces the current value and notifies subscribers.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.v = x
	for _, ch := range v.subs {
		deliver(ch, x)
	}
}

// Update applies fn to the current value under the lock.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.v = fn(v.v)
	for _, ch := range v.subs {
		deliver(ch, v.v)
	}
	return v.v
}

// Subscribe replays the current value and then every change until ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	deliver(ch, v.v)
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, id)
		close(ch)
		v.mu.Unlock()
	}()
	return ch
}

// Just returns an Observable that emits x once and never changes. It holds
// no upstream resources.
func Just[T any](x T) Observable[T] {
	return justObservable[T]{v: x}
}

type justObservable[T any] struct{ v T }

func (j justObservable[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	ch <- j.v
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// ErrClosed is returned by First when the source closed before emitting.
var ErrClosed = errors.New("observable closed before first value")

// First waits for the first snapshot of o.
func First[T any](ctx context.Context, o Observable[T]) (T, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var zero T
	select {
	case v, ok := <-o.Subscribe(subCtx):
		if !ok {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
