package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"wellwisher/internal/config"
	"wellwisher/internal/types"
)

// SQSReceiver abstracts the SQS receive/delete operations for testability.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// DLQForwarder is the subset of Publisher the consumer needs to park
// poison messages.
type DLQForwarder interface {
	ForwardToDLQ(ctx context.Context, body string, reason string) error
}

// Handler processes one decoded job message. A nil return acknowledges
// the message (it is deleted from the queue); a non-nil return leaves it
// for visibility-timeout redelivery.
type Handler interface {
	Handle(ctx context.Context, msg types.JobMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg types.JobMessage) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg types.JobMessage) error {
	return f(ctx, msg)
}

// Consumer long-polls the jobs queue and dispatches messages to a Handler
// with bounded concurrency. The visibility timeout provides natural
// backpressure: the consumer never holds more messages than the pool can
// process, and an unacked message becomes available to another worker
// after the timeout.
type Consumer struct {
	client      SQSReceiver
	dlq         DLQForwarder
	jobsURL     string
	waitTime    int32
	visibility  int32
	maxReceive  int
	concurrency int
	logger      *slog.Logger
}

// NewConsumer creates a Consumer from the queue configuration.
func NewConsumer(client SQSReceiver, dlq DLQForwarder, cfg config.Queue, concurrency int, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		client:      client,
		dlq:         dlq,
		jobsURL:     cfg.JobsURL,
		waitTime:    int32(cfg.WaitTime.Seconds()),
		visibility:  int32(cfg.VisibilityTimeout.Seconds()),
		maxReceive:  cfg.MaxReceive,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run receives and processes messages until the context is cancelled.
// Each received batch is processed by a bounded errgroup; the loop does
// not poll again until the batch is drained, so at most `concurrency`
// messages are in flight.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(c.jobsURL),
			MaxNumberOfMessages:         int32(min(10, c.concurrency)),
			WaitTimeSeconds:             c.waitTime,
			VisibilityTimeout:           c.visibility,
			MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
				sqsTypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "receive failed, backing off to next poll",
				"error", err,
			)
			continue
		}

		if len(out.Messages) == 0 {
			continue
		}

		var g errgroup.Group
		g.SetLimit(c.concurrency)
		for _, record := range out.Messages {
			g.Go(func() error {
				// A handler that already holds a message keeps running
				// through shutdown; its deadline is the visibility window,
				// after which the work is redelivered anyway. The caller
				// bounds total drain time separately.
				hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
					time.Duration(c.visibility)*time.Second)
				defer cancel()
				c.processMessage(hctx, record, handler)
				return nil
			})
		}
		// Message-level failures are handled inside processMessage.
		_ = g.Wait()
	}
}

// processMessage decodes and dispatches a single SQS message, then acks,
// redelivers, or dead-letters it based on the outcome.
func (c *Consumer) processMessage(ctx context.Context, record sqsTypes.Message, handler Handler) {
	body := aws.ToString(record.Body)
	receiveCount := receiveCountOf(record)

	var msg types.JobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// Unparsable messages can never succeed; park them for inspection
		// instead of cycling through redelivery.
		c.logger.ErrorContext(ctx, "unparsable job message, forwarding to DLQ",
			"message_id", aws.ToString(record.MessageId),
			"error", err,
		)
		if dlqErr := c.dlq.ForwardToDLQ(ctx, body, "unmarshal_failed"); dlqErr != nil {
			c.logger.ErrorContext(ctx, "DLQ forward failed", "error", dlqErr)
			return // leave for redelivery; DLQ may recover
		}
		c.ack(ctx, record)
		return
	}

	if msg.TraceID != "" {
		ctx = types.WithTraceID(ctx, msg.TraceID)
	}

	if receiveCount > c.maxReceive {
		c.logger.ErrorContext(ctx, "redelivery budget exhausted, forwarding to DLQ",
			"job_id", msg.JobID,
			"receive_count", receiveCount,
		)
		if dlqErr := c.dlq.ForwardToDLQ(ctx, body, "max_receive_exceeded"); dlqErr != nil {
			c.logger.ErrorContext(ctx, "DLQ forward failed", "error", dlqErr)
			return
		}
		c.ack(ctx, record)
		return
	}

	msg.Attempt = receiveCount

	if err := handler.Handle(ctx, msg); err != nil {
		// No ack: the message reappears after the visibility timeout.
		c.logger.WarnContext(ctx, "message left for redelivery",
			"job_id", msg.JobID,
			"receive_count", receiveCount,
			"error", err,
		)
		return
	}

	c.ack(ctx, record)
}

// ack deletes a processed message from the queue.
func (c *Consumer) ack(ctx context.Context, record sqsTypes.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.jobsURL),
		ReceiptHandle: record.ReceiptHandle,
	})
	if err != nil {
		// The handler already committed its effects; a failed delete only
		// means a redundant redelivery, which the worker dedupes.
		c.logger.WarnContext(ctx, "failed to delete message, expect duplicate redelivery",
			"message_id", aws.ToString(record.MessageId),
			"error", err,
		)
	}
}

// receiveCountOf extracts ApproximateReceiveCount, defaulting to 1.
func receiveCountOf(record sqsTypes.Message) int {
	raw, ok := record.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
