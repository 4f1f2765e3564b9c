// Package queue provides the SQS-backed job transport: a publisher used by
// the enqueuer and a long-poll consumer used by the delivery workers. SQS
// supplies the capability contract the pipeline needs -- durable storage,
// multiple consumers, visibility-timeout redelivery, and a dead-letter
// destination -- behind small interfaces so tests run without a broker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"wellwisher/internal/config"
	"wellwisher/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher serializes JobMessages and sends them to the jobs queue. It
// also owns the dead-letter forwarding used for poison messages.
type Publisher struct {
	client  SQSSender
	jobsURL string
	dlqURL  string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher from the queue configuration.
func NewPublisher(client SQSSender, cfg config.Queue, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  client,
		jobsURL: cfg.JobsURL,
		dlqURL:  cfg.DlqURL,
		logger:  logger,
	}
}

// Publish sends a JobMessage to the jobs queue. A non-nil error means the
// broker did not accept the message and the caller must roll the ledger
// claim back; a nil error means the message is durably stored.
func (p *Publisher) Publish(ctx context.Context, msg types.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeQueuePublish, "failed to marshal job message", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.jobsURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"message_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.MessageType)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublish,
			fmt.Sprintf("failed to send job message to %s", p.jobsURL), err)
	}

	p.logger.InfoContext(ctx, "job message published",
		"job_id", msg.JobID,
		"idempotency_key", msg.IdempotencyKey,
		"message_type", string(msg.MessageType),
		"trace_id", msg.TraceID,
	)

	return nil
}

// ForwardToDLQ sends a raw message body to the dead-letter queue with a
// reason attribute, for manual inspection rather than silent loss.
func (p *Publisher) ForwardToDLQ(ctx context.Context, body string, reason string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.dlqURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeQueuePublish,
			fmt.Sprintf("failed to forward message to DLQ %s", p.dlqURL), err)
	}

	p.logger.WarnContext(ctx, "message forwarded to dead-letter queue",
		"reason", reason,
	)

	return nil
}
