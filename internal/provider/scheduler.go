package provider

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Operation is one outbound provider call.
type Operation func(ctx context.Context) error

// QueueConfig tunes the request queue timing behaviour.
type QueueConfig struct {
	// MinInterval is the smallest allowed gap between two dispatched calls.
	MinInterval time.Duration
	// MaxRetries bounds how many times a rate-limited or transient failure
	// is retried before the error surfaces.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffJitter is the upper bound of the random component added to
	// each backoff delay.
	BackoffJitter time.Duration
	// BackoffCap is the hard ceiling for a single backoff delay.
	BackoffCap time.Duration
}

// DefaultQueueConfig matches the provider's documented one-request-per-second
// local API limit.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MinInterval:   1100 * time.Millisecond,
		MaxRetries:    3,
		BackoffBase:   2 * time.Second,
		BackoffJitter: time.Second,
		BackoffCap:    30 * time.Second,
	}
}

type queueItem struct {
	ctx        context.Context
	name       string
	op         Operation
	done       chan error
	enqueuedAt time.Time
}

// RequestQueue serializes every outbound provider call. Operations run
// strictly in submission order, one at a time, spaced at least MinInterval
// apart, with exponential backoff on rate-limit and transient failures.
type RequestQueue struct {
	cfg    QueueConfig
	logger *slog.Logger

	items       chan *queueItem
	lastRequest time.Time

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewRequestQueue constructs a queue. Start must be called before Do.
func NewRequestQueue(cfg QueueConfig, logger *slog.Logger) *RequestQueue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &RequestQueue{
		cfg:    cfg,
		logger: logger,
		items:  make(chan *queueItem, 64),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Start begins the drain loop. The loop exits when ctx is canceled, failing
// any still-queued operations with ErrQueueClosed.
func (q *RequestQueue) Start(ctx context.Context) {
	go q.drain(ctx)
}

// Do enqueues op and blocks until it has run (including retries) or the
// queue shuts down.
func (q *RequestQueue) Do(ctx context.Context, name string, op Operation) error {
	item := &queueItem{
		ctx:        ctx,
		name:       name,
		op:         op,
		done:       make(chan error, 1),
		enqueuedAt: q.now(),
	}
	select {
	case q.items <- item:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RequestQueue) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.failPending()
			return
		case item := <-q.items:
			item.done <- q.run(ctx, item)
		}
	}
}

func (q *RequestQueue) failPending() {
	for {
		select {
		case item := <-q.items:
			item.done <- ErrQueueClosed
		default:
			return
		}
	}
}

func (q *RequestQueue) run(ctx context.Context, item *queueItem) error {
	for attempt := 1; ; attempt++ {
		if err := q.waitInterval(ctx); err != nil {
			return err
		}
		q.lastRequest = q.now()
		err := item.op(item.ctx)
		if err == nil {
			return nil
		}
		switch {
		case IsRateLimited(err):
			if attempt > q.cfg.MaxRetries {
				q.logger.Warn("rate limit retries exhausted", "op", item.name, "attempts", attempt)
				return ErrRateLimitExhausted
			}
			delay := q.Backoff(attempt)
			q.logger.Info("rate limited, backing off", "op", item.name, "attempt", attempt, "delay", delay)
			if err := q.sleep(ctx, delay); err != nil {
				return err
			}
		case IsTransient(err):
			if attempt > q.cfg.MaxRetries {
				q.logger.Warn("transient failure retries exhausted", "op", item.name, "attempts", attempt, "err", err)
				return err
			}
			delay := q.Backoff(attempt)
			q.logger.Info("transient failure, backing off", "op", item.name, "attempt", attempt, "delay", delay, "err", err)
			if err := q.sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// waitInterval enforces the minimum spacing between dispatched calls.
func (q *RequestQueue) waitInterval(ctx context.Context) error {
	if q.lastRequest.IsZero() {
		return nil
	}
	elapsed := q.now().Sub(q.lastRequest)
	if elapsed >= q.cfg.MinInterval {
		return nil
	}
	return q.sleep(ctx, q.cfg.MinInterval-elapsed)
}

// Backoff returns the retry delay for the given 1-based attempt:
// min(base * 2^(attempt-1) + uniform(0, jitter), cap).
func (q *RequestQueue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.cfg.BackoffBase << uint(attempt-1)
	if delay <= 0 || delay > q.cfg.BackoffCap {
		// shift overflow or past the cap
		return q.cfg.BackoffCap
	}
	if q.cfg.BackoffJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(q.cfg.BackoffJitter)))
	}
	if delay > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
