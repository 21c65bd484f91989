package reactive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func counterProducer(src *Value[int], running *atomic.Int32) Producer[int] {
	return func(ctx context.Context, emit func(int)) {
		running.Add(1)
		defer running.Add(-1)
		in := src.Subscribe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-in:
				emit(v)
			}
		}
	}
}

func TestSharedStartsOnceForManySubscribers(t *testing.T) {
	src := NewValue(1)
	var running atomic.Int32
	s := NewShared(counterProducer(src, &running), 0)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	a := s.Subscribe(ctx1)
	b := s.Subscribe(ctx2)
	assert.Equal(t, 1, recv(t, a))
	assert.Equal(t, 1, recv(t, b))
	assert.Equal(t, 1, s.Starts())

	src.Set(2)
	assert.Equal(t, 2, recv(t, a))
	assert.Equal(t, 2, recv(t, b))

	cancel1()
	require.Eventually(t, func() bool { return s.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Active(), "one subscriber left, producer must keep running")

	src.Set(3)
	assert.Equal(t, 3, recv(t, b))
}

func TestSharedTearsDownAfterGrace(t *testing.T) {
	src := NewValue(1)
	var running atomic.Int32
	s := NewShared(counterProducer(src, &running), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	recv(t, s.Subscribe(ctx))
	cancel()

	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Active(), "producer must survive within the grace period")
	require.Eventually(t, func() bool { return !s.Active() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return running.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSharedResubscribeWithinGraceReusesProducer(t *testing.T) {
	src := NewValue(7)
	var running atomic.Int32
	s := NewShared(counterProducer(src, &running), time.Second)

	ctx1, cancel1 := context.WithCancel(context.Background())
	recv(t, s.Subscribe(ctx1))
	cancel1()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	assert.Equal(t, 7, recv(t, s.Subscribe(ctx2)))
	assert.Equal(t, 1, s.Starts())
}

func TestCombine2WaitsForBothInputs(t *testing.T) {
	a := NewValue("a1")
	b := NewValue(1)
	c := Combine2[string, int, string](a, b, func(x string, y int) string {
		return x + ":" + string(rune('0'+y))
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Subscribe(ctx)
	assert.Equal(t, "a1:1", recv(t, ch))

	b.Set(2)
	assert.Equal(t, "a1:2", recv(t, ch))
	a.Set("a2")
	assert.Equal(t, "a2:2", recv(t, ch))
}

func TestCombine3(t *testing.T) {
	a, b, c := NewValue(1), NewValue(10), NewValue(100)
	sum := Combine3[int, int, int, int](a, b, c, func(x, y, z int) int { return x + y + z }, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := sum.Subscribe(ctx)
	assert.Equal(t, 111, recv(t, ch))
	c.Set(200)
	assert.Equal(t, 211, recv(t, ch))
}

func TestSwitchFollowsLatestInner(t *testing.T) {
	left := NewValue("left-1")
	right := NewValue("right-1")
	selector := NewValue(true)
	sw := Switch[bool, string](selector, func(useLeft bool) Observable[string] {
		if useLeft {
			return left
		}
		return right
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := sw.Subscribe(ctx)
	assert.Equal(t, "left-1", recv(t, ch))

	selector.Set(false)
	assert.Equal(t, "right-1", recv(t, ch))

	left.Set("left-2")
	right.Set("right-2")
	assert.Equal(t, "right-2", recv(t, ch))
}

func TestMapAndFirst(t *testing.T) {
	src := NewValue(21)
	doubled := Map[int, int](src, func(v int) int { return v * 2 }, 0)
	got, err := First[int](context.Background(), doubled)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestJust(t *testing.T) {
	got, err := First(context.Background(), Just("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", got)
}

func TestConflatedDeliveryKeepsLatest(t *testing.T) {
	src := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := src.Subscribe(ctx)
	for i := 1; i <= 10; i++ {
		src.Set(i)
	}
	assert.Equal(t, 10, recv(t, ch))
}
