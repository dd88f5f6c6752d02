package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Sink receives inbound events from the HTTP handlers. A Correlator ingests
// synchronously; a Publisher hands events to SQS for the worker to ingest.
type Sink interface {
	Accept(ctx context.Context, ev InboundEvent) error
}

// SQSAPI is the subset of the SQS client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher enqueues inbound events.
type Publisher struct {
	client   SQSAPI
	queueURL string
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// Accept sends ev to the queue. It waits for SQS to acknowledge so a
// webhook is only answered once the event is durable.
func (p *Publisher) Accept(ctx context.Context, ev InboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal inbound event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish to SQS: %w", err)
	}
	return nil
}

// Ingester is what the consumer feeds. *Correlator satisfies it.
type Ingester interface {
	Accept(ctx context.Context, ev InboundEvent) error
}

// Consumer long-polls the queue and ingests each event. Messages are
// deleted once ingested or when they cannot be decoded; ingest failures are
// left on the queue for redelivery.
type Consumer struct {
	client   SQSAPI
	queueURL string
	ingest   Ingester
	done     chan struct{}
	stopped  chan struct{}
	errDelay time.Duration
}

func NewConsumer(client SQSAPI, queueURL string, ingest Ingester) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		ingest:   ingest,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		errDelay: 5 * time.Second,
	}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	log.Info("SQS engagement consumer started", "queue", c.queueURL)
	go c.poll(ctx)
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	close(c.done)
	<-c.stopped
}

func (c *Consumer) poll(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, err := c.PollOnce(ctx, 20); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("SQS receive error", "error", err)
			select {
			case <-time.After(c.errDelay):
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// PollOnce receives one batch and processes it, returning how many
// messages were ingested.
func (c *Consumer) PollOnce(ctx context.Context, waitSeconds int32) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	ingested := 0
	for _, msg := range out.Messages {
		var ev InboundEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
			log.Warn("SQS bad message, dropping", "message_id", aws.ToString(msg.MessageId), "error", err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}
		if err := c.ingest.Accept(ctx, ev); err != nil {
			if errors.Is(err, ErrUnknownType) {
				log.Warn("SQS event has unknown type, dropping", "type", ev.Type)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}
			log.Warn("engagement ingest failed, leaving for redelivery", "type", ev.Type, "error", err)
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
		ingested++
	}
	return ingested, nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	}); err != nil {
		log.Warn("SQS delete failed", "error", err)
	}
}
