package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestQueue(t *testing.T, cfg QueueConfig) (*RequestQueue, context.CancelFunc) {
	t.Helper()
	q := NewRequestQueue(cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(cancel)
	return q, cancel
}

func TestRequestQueue_FIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{MinInterval: time.Millisecond, MaxRetries: 0, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		// stagger submissions so channel order matches submission order
		time.Sleep(2 * time.Millisecond)
		go func() {
			defer wg.Done()
			err := q.Do(context.Background(), "op", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, order, 5)
	for i, got := range order {
		assert.Equal(t, i, got, "operations must run in submission order")
	}
}

func TestRequestQueue_MinInterval(t *testing.T) {
	const interval = 20 * time.Millisecond
	q, _ := newTestQueue(t, QueueConfig{MinInterval: interval, MaxRetries: 0, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})

	var mu sync.Mutex
	var stamps []time.Time
	for i := 0; i < 3; i++ {
		err := q.Do(context.Background(), "op", func(ctx context.Context) error {
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.Len(t, stamps, 3)
	// small tolerance: stamps are taken inside the operation, a hair after
	// the dispatch gap is enforced
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, interval-2*time.Millisecond, "dispatch %d followed too quickly", i)
	}
}

func TestRequestQueue_RateLimitRetriesThenExhausts(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{
		MinInterval: 0,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	calls := 0
	err := q.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return &rateLimitedError{msg: "Too many request per second"}
	})

	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	// initial attempt plus MaxRetries resubmissions
	assert.Equal(t, 3, calls)
}

func TestRequestQueue_TransientRetriesThenSucceeds(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{
		MinInterval: 0,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	calls := 0
	err := q.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("read tcp 127.0.0.1:1234: connection reset by peer")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRequestQueue_OtherErrorsFailImmediately(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{
		MinInterval: 0,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	boom := &RejectedError{Code: 400, Reason: "invalid group"}
	calls := 0
	err := q.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})

	var rejected *RejectedError
	assert.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, calls, "semantic errors must not be retried")
}

func TestRequestQueue_Backoff(t *testing.T) {
	q := NewRequestQueue(QueueConfig{
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
	}, testLogger())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},  // capped
		{50, time.Second}, // shift overflow still capped
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, q.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRequestQueue_BackoffJitterBounded(t *testing.T) {
	q := NewRequestQueue(QueueConfig{
		BackoffBase:   10 * time.Millisecond,
		BackoffJitter: 5 * time.Millisecond,
		BackoffCap:    time.Second,
	}, testLogger())

	for i := 0; i < 100; i++ {
		got := q.Backoff(1)
		assert.GreaterOrEqual(t, got, 10*time.Millisecond)
		assert.Less(t, got, 15*time.Millisecond)
	}
}

func TestRequestQueue_ClosedFailsPending(t *testing.T) {
	q := NewRequestQueue(QueueConfig{MinInterval: 0}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	// give the drain loop a moment to observe cancellation
	time.Sleep(10 * time.Millisecond)

	callCtx, callCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer callCancel()
	err := q.Do(callCtx, "op", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}
