// Package worker is the at-least-once background task harness for triage
// runs, backed by a Redis list queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	queueKey      = "iats:triage:queue"
	processingKey = "iats:triage:processing"
	popTimeout    = 2 * time.Second
)

// Task is the single task type the harness carries.
type Task struct {
	Task       string    `json:"task"`
	IncidentID uuid.UUID `json:"incident_id"`
	Attempt    int       `json:"attempt"`
}

// Queue enqueues and consumes triage tasks.
type Queue struct {
	client *redis.Client
	logger *logrus.Logger

	MaxRetries int
	Backoff    time.Duration
	Jitter     bool
}

// NewQueue connects to Redis and verifies the connection.
func NewQueue(ctx context.Context, redisURL string, logger *logrus.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{client: client, logger: logger, MaxRetries: 3, Backoff: 5 * time.Second, Jitter: true}, nil
}

// NewQueueWithClient wraps an existing client, used by tests.
func NewQueueWithClient(client *redis.Client, logger *logrus.Logger) *Queue {
	return &Queue{client: client, logger: logger, MaxRetries: 3, Backoff: 5 * time.Second, Jitter: true}
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueTriage queues one triage task for an incident.
func (q *Queue) EnqueueTriage(ctx context.Context, incidentID uuid.UUID) error {
	return q.push(ctx, Task{Task: "triage", IncidentID: incidentID, Attempt: 0})
}

func (q *Queue) push(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Handler executes one triage task.
type Handler func(ctx context.Context, incidentID uuid.UUID) error

// Run consumes tasks with the given concurrency until the context is
// cancelled. Each worker holds at most one task (prefetch 1) and acknowledges
// only after the handler returns.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.consume(ctx, workerID, handler)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) consume(ctx context.Context, workerID int, handler Handler) {
	log := q.logger.WithField("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := q.client.BRPopLPush(ctx, queueKey, processingKey, popTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("queue pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			log.WithError(err).Error("dropping malformed task")
			q.ack(ctx, raw)
			continue
		}

		err = handler(ctx, task.IncidentID)
		q.ack(ctx, raw)
		if err == nil {
			continue
		}

		if task.Attempt >= q.MaxRetries {
			log.WithError(err).WithField("incident", task.IncidentID).
				Errorf("task exhausted %d retries", q.MaxRetries)
			continue
		}
		delay := q.retryDelay(task.Attempt)
		log.WithError(err).WithFields(logrus.Fields{
			"incident": task.IncidentID,
			"attempt":  task.Attempt + 1,
			"delay":    delay,
		}).Warn("task failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		task.Attempt++
		if err := q.push(ctx, task); err != nil {
			log.WithError(err).Error("failed to requeue task")
		}
	}
}

// ack removes the in-flight copy after the handler finished (late ack).
func (q *Queue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(ctx, processingKey, 1, raw).Err(); err != nil && ctx.Err() == nil {
		q.logger.WithError(err).Warn("failed to ack task")
	}
}

// retryDelay grows exponentially with the attempt count, optionally jittered.
func (q *Queue) retryDelay(attempt int) time.Duration {
	delay := q.Backoff * time.Duration(1<<attempt)
	if q.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
	}
	return delay
}
