package reactive

import (
	"context"
	"time"
)

// Map derives a Shared whose snapshots are fn applied to each snapshot of src.
func Map[A, T any](src Observable[A], fn func(A) T, grace time.Duration) *Shared[T] {
	return NewShared(func(ctx context.Context, emit func(T)) {
		in := src.Subscribe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-in:
				if !ok {
					return
				}
				emit(fn(a))
			}
		}
	}, grace)
}

// Switch follows the Observable selected by the latest snapshot of src,
// dropping the previous inner subscription whenever src changes.
func Switch[A, T any](src Observable[A], fn func(A) Observable[T], grace time.Duration) *Shared[T] {
	return NewShared(func(ctx context.Context, emit func(T)) {
		outer := src.Subscribe(ctx)
		var (
			inner       <-chan T
			innerCancel context.CancelFunc = func() {}
		)
		defer func() { innerCancel() }()
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-outer:
				if !ok {
					return
				}
				innerCancel()
				var innerCtx context.Context
				innerCtx, innerCancel = context.WithCancel(ctx)
				inner = fn(a).Subscribe(innerCtx)
			case v, ok := <-inner:
				if !ok {
					inner = nil
					continue
				}
				emit(v)
			}
		}
	}, grace)
}

// Combine2 emits fn over the latest snapshot of each input once both have
// produced a value. The producer goroutine is the only writer of the latest
// values, so a combined snapshot never mixes generations of one input.
func Combine2[A, B, T any](a Observable[A], b Observable[B], fn func(A, B) T, grace time.Duration) *Shared[T] {
	return NewShared(func(ctx context.Context, emit func(T)) {
		ca, cb := a.Subscribe(ctx), b.Subscribe(ctx)
		var (
			la     A
			lb     B
			ha, hb bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ca:
				if !ok {
					return
				}
				la, ha = v, true
			case v, ok := <-cb:
				if !ok {
					return
				}
				lb, hb = v, true
			}
			if ha && hb {
				emit(fn(la, lb))
			}
		}
	}, grace)
}

// Combine3 is Combine2 over three inputs.
func Combine3[A, B, C, T any](a Observable[A], b Observable[B], c Observable[C], fn func(A, B, C) T, grace time.Duration) *Shared[T] {
	return NewShared(func(ctx context.Context, emit func(T)) {
		ca, cb, cc := a.Subscribe(ctx), b.Subscribe(ctx), c.Subscribe(ctx)
		var (
			la         A
			lb         B
			lc         C
			ha, hb, hc bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ca:
				if !ok {
					return
				}
				la, ha = v, true
			case v, ok := <-cb:
				if !ok {
					return
				}
				lb, hb = v, true
			case v, ok := <-cc:
				if !ok {
					return
				}
				lc, hc = v, true
			}
			if ha && hb && hc {
				emit(fn(la, lb, lc))
			}
		}
	}, grace)
}
