package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/domain"
)

// fakeQueue is an in-memory SQS queue.
type fakeQueue struct {
	mu       sync.Mutex
	messages map[string]string
	order    []string
	deleted  []string
	sendErr  error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{messages: make(map[string]string)} }

func (q *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if q.sendErr != nil {
		return nil, q.sendErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	handle := "h" + string(rune('0'+len(q.order)))
	q.messages[handle] = aws.ToString(in.MessageBody)
	q.order = append(q.order, handle)
	return &sqs.SendMessageOutput{MessageId: aws.String(handle)}, nil
}

func (q *fakeQueue) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	for _, h := range q.order {
		if body, ok := q.messages[h]; ok {
			out.Messages = append(out.Messages, types.Message{
				MessageId: aws.String(h), ReceiptHandle: aws.String(h), Body: aws.String(body),
			})
		}
	}
	return out, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := aws.ToString(in.ReceiptHandle)
	delete(q.messages, h)
	q.deleted = append(q.deleted, h)
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func TestPublisherConsumer_RoundTrip(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	pub := NewPublisher(q, "https://sqs.test/engagement")
	ctx := context.Background()

	require.NoError(t, pub.Accept(ctx, InboundEvent{
		Type: domain.EngagementOpen, MessageID: f.sent.CorrelationKey, ObservedAt: sentAt,
	}))
	var raw InboundEvent
	require.NoError(t, json.Unmarshal([]byte(q.messages["h0"]), &raw))
	assert.Equal(t, f.sent.CorrelationKey, raw.MessageID)

	n, err := NewConsumer(q, "https://sqs.test/engagement", f.correlator).PollOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.pending())

	events := f.store.Engagements()
	require.Len(t, events, 1)
	assert.Equal(t, domain.MatchExact, events[0].Match)
}

func TestConsumer_DropsUndecodableAndUnknownTypes(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	q.messages["bad"] = "{not json"
	q.messages["bounce"] = `{"type":"bounce"}`
	q.order = []string{"bad", "bounce"}

	n, err := NewConsumer(q, "u", f.correlator).PollOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, q.pending())
	assert.Empty(t, f.store.Engagements())
}

type failingIngester struct{}

func (failingIngester) Accept(context.Context, InboundEvent) error { return errors.New("db down") }

func TestConsumer_LeavesFailedIngestForRedelivery(t *testing.T) {
	q := newFakeQueue()
	require.NoError(t, NewPublisher(q, "u").Accept(context.Background(), InboundEvent{Type: domain.EngagementClick}))

	n, err := NewConsumer(q, "u", failingIngester{}).PollOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, q.pending())
}

func TestPublisher_Error(t *testing.T) {
	q := newFakeQueue()
	q.sendErr = errors.New("throttled")
	err := NewPublisher(q, "u").Accept(context.Background(), InboundEvent{Type: domain.EngagementOpen})
	assert.ErrorContains(t, err, "throttled")
}
