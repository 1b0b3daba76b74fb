package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	streamBodyField    = "body"
	streamJobTypeField = "jobType"
)

// RedisQueue is a Queue on a Redis stream read through a consumer group.
// Entries left pending longer than the visibility timeout are claimed by the
// next consumer that polls.
type RedisQueue struct {
	rdb        goredis.UniversalClient
	stream     string
	group      string
	consumer   string
	visibility time.Duration
}

// RedisOptions configures NewRedisQueue.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	Group      string
	Visibility time.Duration
}

// NewRedisQueue connects, pings and makes sure the consumer group exists.
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	q := NewRedisQueueFromClient(rdb, opts.Stream, opts.Group, opts.Visibility)
	if err := q.ensureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client. The consumer group must exist.
func NewRedisQueueFromClient(rdb goredis.UniversalClient, stream, group string, visibility time.Duration) *RedisQueue {
	host, _ := os.Hostname()
	return &RedisQueue{
		rdb:        rdb,
		stream:     stream,
		group:      group,
		consumer:   fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		visibility: visibility,
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

func (q *RedisQueue) Publish(ctx context.Context, descriptor domain.JobDescriptor) error {
	body, err := descriptor.Encode()
	if err != nil {
		return err
	}
	err = q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			streamJobTypeField: domain.JobTypeSurveyUpload,
			streamBodyField:    string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("unable to add job %s to stream: %w", descriptor.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	reclaimed, err := q.reclaim(ctx, max)
	if err != nil || len(reclaimed) > 0 {
		return reclaimed, err
	}

	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", q.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, entry := range s.Messages {
			msgs = append(msgs, toMessage(entry, 1))
		}
	}
	return msgs, nil
}

// reclaim takes over entries another consumer received but never acknowledged.
func (q *RedisQueue) reclaim(ctx context.Context, max int) ([]Message, error) {
	if q.visibility <= 0 {
		return nil, nil
	}
	entries, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim idle entries on %s: %w", q.stream, err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, toMessage(entry, q.deliveryCount(ctx, entry.ID)))
	}
	return msgs, nil
}

func (q *RedisQueue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, msg.ackToken)
		pipe.XDel(ctx, q.stream, msg.ackToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack stream entry %s: %w", msg.ID, err)
	}
	return nil
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func toMessage(entry goredis.XMessage, receives int) Message {
	body, _ := entry.Values[streamBodyField].(string)
	return Message{
		ID:           entry.ID,
		Body:         []byte(body),
		ReceiveCount: receives,
		ackToken:     entry.ID,
	}
}
