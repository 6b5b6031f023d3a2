package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/flowmill/internal/router/message"
)

type fakeClient struct {
	mu sync.Mutex

	batches [][]types.Message
	deleted []string
	visible []int32
	pings   int
	pingErr error
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	var batch []types.Message
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
	}
	f.mu.Unlock()

	if batch == nil {
		// Simulate a server-side long poll returning empty; without a
		// pause the consumer loop would spin.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		return &awssqs.ReceiveMessageOutput{}, nil
	}
	return &awssqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = append(f.visible, params.VisibilityTimeout)
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeClient) GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return &awssqs.GetQueueAttributesOutput{}, f.pingErr
}

func (f *fakeClient) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type recordingSink struct {
	mu       sync.Mutex
	messages []*message.Pointer
	polls    int
	decodeKO int
}

func (s *recordingSink) HandleMessage(msg *message.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) PollCompleted(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
}

func (s *recordingSink) DecodeFailed(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodeKO++
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func sqsDelivery(id, receipt, body string, receives string) types.Message {
	m := types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(body),
	}
	if receives != "" {
		m.Attributes = map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): receives,
		}
	}
	return m
}

func TestConsumerForwardsDecodedMessages(t *testing.T) {
	wire := `{"id":"m1","poolCode":"ORDERS","targetUrl":"http://t.example","payload":{"k":1}}`
	client := &fakeClient{batches: [][]types.Message{
		{sqsDelivery("sqs-1", "rcpt-1", wire, "3")},
	}}
	sink := &recordingSink{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.Start(context.Background(), sink))
	defer func() { require.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool { return sink.messageCount() == 1 },
		time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	msg := sink.messages[0]
	sink.mu.Unlock()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "sqs-1", msg.BrokerMessageID)
	assert.Equal(t, "https://sqs.test/q1", msg.SourceQueue)
	assert.Equal(t, 2, msg.RetryCount)

	require.NoError(t, msg.Ack())
	assert.Equal(t, 1, client.deletedCount())
}

func TestConsumerDeletesUndecodableMessages(t *testing.T) {
	client := &fakeClient{batches: [][]types.Message{
		{sqsDelivery("sqs-1", "rcpt-1", "not json", "")},
	}}
	sink := &recordingSink{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.Start(context.Background(), sink))
	defer func() { require.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool { return client.deletedCount() == 1 },
		time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.decodeKO)
	assert.Empty(t, sink.messages)
}

func TestNackWithDelayChangesVisibility(t *testing.T) {
	wire := `{"id":"m1","poolCode":"ORDERS","targetUrl":"http://t.example"}`
	client := &fakeClient{batches: [][]types.Message{
		{sqsDelivery("sqs-1", "rcpt-1", wire, "")},
	}}
	sink := &recordingSink{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.Start(context.Background(), sink))
	defer func() { require.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool { return sink.messageCount() == 1 },
		time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	msg := sink.messages[0]
	sink.mu.Unlock()

	require.NoError(t, msg.NackWithDelay(10*time.Second))
	require.NoError(t, msg.InProgress())
	// A plain nack is a no-op: the visibility timeout expires by itself.
	require.NoError(t, msg.Nack())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.visible, 2)
	assert.Equal(t, int32(10), client.visible[0])
	assert.Equal(t, int32(30), client.visible[1])
}

func TestVisibilityClampedToSQSMaximum(t *testing.T) {
	client := &fakeClient{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.changeVisibility("rcpt", 99999999))
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, int32(maxVisibilitySeconds), client.visible[0])
}

func TestPing(t *testing.T) {
	client := &fakeClient{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.Ping(context.Background()))
	client.pingErr = assert.AnError
	assert.Error(t, c.Ping(context.Background()))
}

func TestPollCompletedFiresOnEmptyReceives(t *testing.T) {
	client := &fakeClient{}
	sink := &recordingSink{}
	c := NewConsumer(client, "https://sqs.test/q1", 1, 30)

	require.NoError(t, c.Start(context.Background(), sink))
	defer func() { require.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.polls >= 2
	}, time.Second, 5*time.Millisecond)
}
