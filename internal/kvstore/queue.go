package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Queue is the persistent FIFO of enqueued deployment ids described in
// spec §3/§5: a worker pool consumes it, holding a per-message lease
// (heartbeated) so a second worker (in this process or another) cannot
// pick up the same message inside the visibility window. A payload is
// delivered once: if its worker dies before the handler returns, the
// payload stays in the processing list and is not redelivered.
type Queue interface {
	Enqueue(payload string) error
	// Consume runs until stop is closed, dispatching each dequeued
	// payload to handler on one of opts.Threads worker goroutines.
	Consume(stop <-chan struct{}, handler func(payload string) error, opts ConsumeOptions)
}

// ConsumeOptions mirrors spec §4.1's queue.consume options, with the
// §6 defaults: lock_ms is the per-message invisibility lease,
// backoff_ms is the pause after an empty poll or handler error, and
// throttle_ms upper-bounds dequeue rate regardless of queue depth.
type ConsumeOptions struct {
	Threads    int
	LockMillis int64
	BackoffMillis int64
	ThrottleMillis int64
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.LockMillis <= 0 {
		o.LockMillis = 60_000
	}
	if o.BackoffMillis <= 0 {
		o.BackoffMillis = 200
	}
	if o.ThrottleMillis <= 0 {
		o.ThrottleMillis = 200
	}
	return o
}

type redisQueue struct {
	client *redis.Client
	prefix Prefix
	logger log.Logger
}

func (q *redisQueue) Enqueue(payload string) error {
	return errors.Wrap(q.client.LPush(q.prefix.queueKey(), payload).Err(), "enqueueing deployment")
}

func (q *redisQueue) Consume(stop <-chan struct{}, handler func(payload string) error, opts ConsumeOptions) {
	opts = opts.withDefaults()
	limiter := rate.NewLimiter(rate.Every(time.Duration(opts.ThrottleMillis)*time.Millisecond), 1)

	var wg sync.WaitGroup
	wg.Add(opts.Threads)
	for i := 0; i < opts.Threads; i++ {
		go func() {
			defer wg.Done()
			q.worker(stop, handler, opts, limiter)
		}()
	}
	wg.Wait()
}

func (q *redisQueue) worker(stop <-chan struct{}, handler func(payload string) error, opts ConsumeOptions, limiter *rate.Limiter) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}

		payload, err := q.client.BRPopLPush(q.prefix.queueKey(), q.prefix.processingKey(), time.Second).Result()
		if err == redis.Nil {
			time.Sleep(time.Duration(opts.BackoffMillis) * time.Millisecond)
			continue
		}
		if err != nil {
			q.logger.Log("component", "kvstore.queue", "err", errors.Wrap(err, "dequeuing"))
			time.Sleep(time.Duration(opts.BackoffMillis) * time.Millisecond)
			continue
		}

		q.processOne(payload, handler, opts)
	}
}

// processOne runs handler for a single dequeued payload, holding a
// heartbeated lease for the duration, and removes the payload from
// the processing list whether the handler succeeds or fails - a
// failed handler is expected to have already recorded the failure on
// the deployment document; leaving it in the processing list would
// only cause a duplicate pickup with no better outcome.
func (q *redisQueue) processOne(payload string, handler func(payload string) error, opts ConsumeOptions) {
	leaseKey := q.prefix.leaseKey(payload)
	lockTTL := time.Duration(opts.LockMillis) * time.Millisecond
	got, err := q.client.SetNX(leaseKey, "1", lockTTL).Result()
	if err != nil {
		q.logger.Log("component", "kvstore.queue", "err", errors.Wrap(err, "acquiring lease"))
		return
	}
	if !got {
		// Another worker already holds the lease; leave it in the
		// processing list for that worker to clear.
		return
	}

	heartbeatStop := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	heartbeatWG.Add(1)
	go func() {
		defer heartbeatWG.Done()
		ticker := time.NewTicker(lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.client.PExpire(leaseKey, lockTTL)
			case <-heartbeatStop:
				return
			}
		}
	}()

	err = handler(payload)

	close(heartbeatStop)
	heartbeatWG.Wait()

	if err != nil {
		q.logger.Log("component", "kvstore.queue", "payload", payload, "err", err)
		time.Sleep(time.Duration(opts.BackoffMillis) * time.Millisecond)
	}

	q.client.LRem(q.prefix.processingKey(), 1, payload)
	q.client.Del(leaseKey)
}
