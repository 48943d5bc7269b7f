// Package queue provides the outbound delivery queue: once a message is
// accepted for sending (via the management API or a future SMTP front
// end), it is enqueued here for asynchronous delivery workers rather than
// sent inline.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrMessageNotFound = errors.New("queue: message not found")
	ErrQueueClosed     = errors.New("queue: closed")
)

// Status is the delivery lifecycle state of an OutboundMessage.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusDeferred Status = "deferred"
)

// OutboundMessage is a queued delivery attempt for a row in the
// outbound_emails table.
type OutboundMessage struct {
	ID          string    `json:"id"`
	OutboundID  int64     `json:"outbound_id"` // outbound_emails.id
	FromAddress string    `json:"from_address"`
	Recipients  []string  `json:"recipients"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config configures the Redis-backed queue.
type Config struct {
	RedisURL    string
	Prefix      string
	MaxRetries  int
	RetryMaxAge time.Duration
}

// DefaultConfig returns sane defaults for the outbound queue.
func DefaultConfig() Config {
	return Config{
		RedisURL:    "redis://localhost:6379/0",
		Prefix:      "mailcore",
		MaxRetries:  15,
		RetryMaxAge: 7 * 24 * time.Hour,
	}
}

// OutboundQueue is the outbound delivery queue contract; RedisQueue is its
// only implementation. The IMAP session engine does not use the queue, and
// the serve command holds the concrete *RedisQueue.
type OutboundQueue interface {
	Enqueue(ctx context.Context, msg *OutboundMessage) error
	Dequeue(ctx context.Context) (*OutboundMessage, error)
	Complete(ctx context.Context, msgID string) error
	Retry(ctx context.Context, msgID string, lastErr error) error
	Fail(ctx context.Context, msgID string, reason string) error
	GetMessage(ctx context.Context, msgID string) (*OutboundMessage, error)
	PendingCount(ctx context.Context) (int64, error)
	ProcessingCount(ctx context.Context) (int64, error)
	RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error)
	Close() error
}

// RedisQueue implements OutboundQueue on Redis sorted sets: a pending ZSET
// scored by next-attempt time, a processing SET for in-flight ids, and a
// per-message hash holding the marshaled OutboundMessage.
type RedisQueue struct {
	client *redis.Client
	config Config
	closed int32

	wg sync.WaitGroup
}

// NewRedisQueue connects to Redis and returns a ready RedisQueue.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{client: client, config: cfg}, nil
}

func (q *RedisQueue) pendingKey() string    { return q.config.Prefix + ":queue:pending" }
func (q *RedisQueue) processingKey() string { return q.config.Prefix + ":queue:processing" }
func (q *RedisQueue) sentKey() string       { return q.config.Prefix + ":queue:sent" }
func (q *RedisQueue) failedKey() string     { return q.config.Prefix + ":queue:failed" }
func (q *RedisQueue) messageKey(id string) string {
	return q.config.Prefix + ":message:" + id
}

func (q *RedisQueue) isClosed() bool { return atomic.LoadInt32(&q.closed) == 1 }

func (q *RedisQueue) checkOpen() error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue stores msg and schedules it for immediate delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *OutboundMessage) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	q.wg.Add(1)
	defer q.wg.Done()

	if msg.ID == "" {
		msg.ID = generateID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.NextAttempt.IsZero() {
		msg.NextAttempt = time.Now()
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = q.config.MaxRetries
	}
	msg.Status = StatusPending

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.messageKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(msg.NextAttempt.UnixNano()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Dequeue pops the next message ready for delivery, or returns nil if none
// is due yet.
func (q *RedisQueue) Dequeue(ctx context.Context) (*OutboundMessage, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	q.wg.Add(1)
	defer q.wg.Done()

	now := float64(time.Now().UnixNano())
	results, err := q.client.ZRangeByScoreWithScores(ctx, q.pendingKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	msgID := results[0].Member.(string)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.pendingKey(), msgID)
	pipe.SAdd(ctx, q.processingKey(), msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to move message to processing: %w", err)
	}

	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	msg.Status = StatusSending
	msg.Attempts++
	msg.LastAttempt = time.Now()
	if err := q.save(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Complete marks msgID as delivered.
func (q *RedisQueue) Complete(ctx context.Context, msgID string) error {
	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}
	msg.Status = StatusSent

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), msgID)
	pipe.ZAdd(ctx, q.sentKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: msgID})
	pipe.Set(ctx, q.messageKey(msgID), data, 7*24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules msgID for another attempt with exponential backoff, or
// fails it permanently once attempts or age are exhausted.
func (q *RedisQueue) Retry(ctx context.Context, msgID string, lastErr error) error {
	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}
	msg.LastError = lastErr.Error()

	if msg.Attempts >= msg.MaxAttempts {
		return q.Fail(ctx, msgID, "max attempts exceeded")
	}
	if time.Since(msg.CreatedAt) > q.config.RetryMaxAge {
		return q.Fail(ctx, msgID, "message expired")
	}

	msg.NextAttempt = nextRetryTime(msg.Attempts)
	msg.Status = StatusDeferred
	if err := q.save(ctx, msg); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), msgID)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(msg.NextAttempt.UnixNano()), Member: msgID})
	_, err = pipe.Exec(ctx)
	return err
}

// Fail permanently fails msgID; no further retries are scheduled.
func (q *RedisQueue) Fail(ctx context.Context, msgID string, reason string) error {
	msg, err := q.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}
	msg.Status = StatusFailed
	msg.LastError = reason

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), msgID)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: msgID})
	pipe.Set(ctx, q.messageKey(msgID), data, 30*24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage fetches a message by id.
func (q *RedisQueue) GetMessage(ctx context.Context, msgID string) (*OutboundMessage, error) {
	data, err := q.client.Get(ctx, q.messageKey(msgID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	var msg OutboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (q *RedisQueue) save(ctx context.Context, msg *OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.messageKey(msg.ID), data, 0).Err()
}

// PendingCount returns the number of messages awaiting delivery.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey()).Result()
}

// ProcessingCount returns the number of in-flight deliveries.
func (q *RedisQueue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.processingKey()).Result()
}

// RecoverStale requeues messages that have sat in processing longer than
// staleThreshold, which happens when a delivery worker crashes mid-attempt.
func (q *RedisQueue) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	ids, err := q.client.SMembers(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		msg, err := q.GetMessage(ctx, id)
		if err != nil {
			continue
		}
		if time.Since(msg.LastAttempt) > staleThreshold {
			if err := q.Retry(ctx, id, errors.New("delivery worker timeout")); err == nil {
				recovered++
			}
		}
	}
	return recovered, nil
}

// Close stops accepting new operations and waits for in-flight ones to
// finish before closing the Redis connection.
func (q *RedisQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
	return q.client.Close()
}

func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// nextRetryTime mirrors a slow exponential backoff schedule: 5m, 15m, 30m,
// 1h, 2h, 4h, 8h, then daily.
func nextRetryTime(attempts int) time.Time {
	intervals := []time.Duration{
		5 * time.Minute, 15 * time.Minute, 30 * time.Minute,
		time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour,
	}
	if attempts >= len(intervals) {
		return time.Now().Add(24 * time.Hour)
	}
	return time.Now().Add(intervals[attempts])
}

func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, needle := range []string{"connection refused", "timeout", "connection reset", "broken pipe", "i/o timeout", "EOF"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
