package queue

import (
	"context"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"
)

// Message is one delivery of a job descriptor. The same descriptor may be
// delivered more than once.
type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int

	// ackToken identifies this delivery to the backend (SQS receipt handle,
	// stream entry id).
	ackToken string
}

// Queue is an at-least-once job queue. A received message becomes visible to
// other consumers again unless it is acknowledged in time.
type Queue interface {
	Publish(ctx context.Context, descriptor domain.JobDescriptor) error
	// Receive blocks for at most wait and returns up to max messages. An empty
	// result with a nil error means the wait elapsed.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}
