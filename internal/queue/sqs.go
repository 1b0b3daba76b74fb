package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

const (
	jobTypeAttribute = "JobType"
	// SQS caps long polling at 20 seconds and batches at 10 messages.
	sqsMaxWait  = 20 * time.Second
	sqsMaxBatch = 10
)

// SQSQueue is a Queue on Amazon SQS.
type SQSQueue struct {
	client     sqsiface.SQSAPI
	url        string
	visibility time.Duration
}

// NewSQSQueue wraps an existing client.
func NewSQSQueue(client sqsiface.SQSAPI, queueURL string, visibility time.Duration) *SQSQueue {
	return &SQSQueue{client: client, url: queueURL, visibility: visibility}
}

// NewSQSQueueFromSession builds a client from the shared AWS session.
func NewSQSQueueFromSession(sess *session.Session, queueURL, endpoint string, visibility time.Duration) *SQSQueue {
	cfg := aws.NewConfig()
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	return NewSQSQueue(sqs.New(sess, cfg), queueURL, visibility)
}

func (q *SQSQueue) Publish(ctx context.Context, descriptor domain.JobDescriptor) error {
	body, err := descriptor.Encode()
	if err != nil {
		return err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			jobTypeAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(domain.JobTypeSurveyUpload),
			},
		},
	}
	if _, err := q.client.SendMessageWithContext(ctx, input); err != nil {
		return fmt.Errorf("unable to send job %s to queue: %w", descriptor.JobID, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   aws.Int64(int64(max)),
		WaitTimeSeconds:       aws.Int64(int64(wait / time.Second)),
		AttributeNames:        []*string{aws.String(sqs.MessageSystemAttributeNameApproximateReceiveCount)},
		MessageAttributeNames: []*string{aws.String(jobTypeAttribute)},
	}
	if q.visibility > 0 {
		input.VisibilityTimeout = aws.Int64(int64(q.visibility / time.Second))
	}

	out, err := q.client.ReceiveMessageWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("unable to receive from queue: %w", err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(aws.StringValue(m.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]))
		msgs = append(msgs, Message{
			ID:           aws.StringValue(m.MessageId),
			Body:         []byte(aws.StringValue(m.Body)),
			ReceiveCount: count,
			ackToken:     aws.StringValue(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ackToken),
	})
	if err != nil {
		return fmt.Errorf("unable to delete message %s: %w", msg.ID, err)
	}
	return nil
}
