package commandqueue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.EnqueueWithContext(context.Background(), "test", task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.EnqueueWithContext(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_SameLaneNeverOverlaps(t *testing.T) {
	cq := New()
	defer cq.Close()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.EnqueueWithContext(context.Background(), "thread-1", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&inFlight, 1)
				if n > atomic.LoadInt32(&maxInFlight) {
					atomic.StoreInt32(&maxInFlight, n)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			}, nil)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane-a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane-b", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lane-b blocked behind lane-a")
	}
	close(release)
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(release)

	require.Eventually(t, func() bool { return !cq.IsRunning("lane") }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCommandQueue_LaneDroppedWhenDrained(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.EnqueueWithContext(context.Background(), "short-lived", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cq.laneCount() == 0 }, time.Second, time.Millisecond)
	assert.False(t, cq.IsRunning("short-lived"))
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	warned := make(chan int, 1)
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				warned <- queuePos
			},
		})
	}()

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("expected wait warning")
	}
	close(release)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.EnqueueWithContext(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandQueue_WarnAfterLogsWithoutCallback(t *testing.T) {
	var buf syncBuffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "thread-slow", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	go func() {
		_, _ = cq.EnqueueWithContext(context.Background(), "thread-slow", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{WarnAfter: 20 * time.Millisecond})
	}()

	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "Task waiting longer than expected")
	}, time.Second, 5*time.Millisecond)
	close(release)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
