// Package sqs implements the AWS SQS broker adapter. Redelivery is
// driven by the queue's visibility timeout: an ack deletes the message,
// a delayed nack shortens its visibility, and a plain nack lets the
// timeout expire on its own.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/message"
)

func init() {
	broker.Register(config.BrokerSQS, Build, broker.Capabilities{
		Name:           config.BrokerSQS,
		DelayedNack:    true,
		LeaseExtension: true,
	})
}

// ClientAPI is the slice of the SQS client the consumer uses. Narrowed
// for test fakes.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

const (
	// maxWaitTimeSeconds is the SQS long-poll ceiling.
	maxWaitTimeSeconds = 20
	// maxVisibilitySeconds is the SQS visibility ceiling, 12 hours.
	maxVisibilitySeconds = 43200
	// maxBatchSize is the SQS receive ceiling.
	maxBatchSize = 10

	defaultWaitTimeSeconds   = 20
	defaultVisibilitySeconds = 120

	// settleTimeout bounds ack/nack calls, which run outside the poll
	// loop's context.
	settleTimeout = 10 * time.Second
	// errorBackoff throttles the poll loop after a receive error.
	errorBackoff = time.Second
)

// Build creates one consumer per configured queue URL. Registered under
// the "sqs" broker kind.
func Build(ctx context.Context, cfg *config.Config) ([]broker.Consumer, error) {
	sc := cfg.Broker.SQS

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(sc.Region),
	}
	if sc.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if sc.Endpoint != "" {
			// LocalStack and friends.
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
	})

	consumers := make([]broker.Consumer, 0, len(sc.QueueURLs))
	for _, queueURL := range sc.QueueURLs {
		consumers = append(consumers, NewConsumer(client, queueURL, sc.WaitTimeSeconds, sc.VisibilityTimeoutSeconds))
	}
	return consumers, nil
}

// Consumer polls one SQS queue and forwards decoded messages to a sink.
type Consumer struct {
	client     ClientAPI
	queueURL   string
	waitTime   int32
	visibility int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewConsumer creates a consumer for one queue URL. Zero waitTime and
// visibility get the defaults (20s long poll, 120s visibility).
func NewConsumer(client ClientAPI, queueURL string, waitTime, visibility int32) *Consumer {
	if waitTime <= 0 || waitTime > maxWaitTimeSeconds {
		waitTime = defaultWaitTimeSeconds
	}
	if visibility <= 0 {
		visibility = defaultVisibilitySeconds
	}
	return &Consumer{
		client:     client,
		queueURL:   queueURL,
		waitTime:   waitTime,
		visibility: visibility,
	}
}

// QueueIdentifier returns the queue URL.
func (c *Consumer) QueueIdentifier() string { return c.queueURL }

// Start launches the poll loop.
func (c *Consumer) Start(ctx context.Context, sink broker.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("sqs consumer for %s already started", c.queueURL)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(pollCtx, sink)
	}()
	slog.Info("sqs consumer started", "queue", c.queueURL)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	slog.Info("sqs consumer stopped", "queue", c.queueURL)
	return nil
}

// Ping verifies the queue is reachable via a cheap attribute read.
func (c *Consumer) Ping(ctx context.Context) error {
	_, err := c.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func (c *Consumer) pollLoop(ctx context.Context, sink broker.Sink) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := c.pollOnce(ctx, sink)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("sqs receive failed", "queue", c.queueURL, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		// The long poll paces the loop; an empty receive already waited
		// WaitTimeSeconds on the server side.
		sink.PollCompleted(c.queueURL)
	}
}

func (c *Consumer) pollOnce(ctx context.Context, sink broker.Sink) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   maxBatchSize,
		WaitTimeSeconds:       c.waitTime,
		VisibilityTimeout:     c.visibility,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return 0, err
	}

	for _, m := range out.Messages {
		c.forward(m, sink)
	}
	return len(out.Messages), nil
}

// forward decodes one delivery and hands it to the sink with SQS-bound
// settlement hooks. Undecodable deliveries are deleted: redelivering a
// poison message cannot fix it.
func (c *Consumer) forward(m types.Message, sink broker.Sink) {
	body := aws.ToString(m.Body)
	receipt := aws.ToString(m.ReceiptHandle)
	brokerID := aws.ToString(m.MessageId)

	msg, err := message.Decode([]byte(body))
	if err != nil {
		slog.Error("sqs message decode failed, deleting",
			"queue", c.queueURL, "sqsMessageId", brokerID, "error", err)
		sink.DecodeFailed(c.queueURL)
		if delErr := c.delete(receipt); delErr != nil {
			slog.Warn("failed to delete undecodable message",
				"queue", c.queueURL, "error", delErr)
		}
		return
	}

	msg.BrokerMessageID = brokerID
	msg.SourceQueue = c.queueURL
	msg.EnqueueTime = time.Now()
	if group, ok := m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]; ok && msg.MessageGroup == "" {
		msg.MessageGroup = group
	}
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			msg.RetryCount = n - 1
		}
	}

	msg.AckFunc = func() error { return c.delete(receipt) }
	// A plain nack leaves the visibility timeout to expire on its own.
	msg.NackFunc = func() error { return nil }
	msg.NackDelayFunc = func(delay time.Duration) error {
		return c.changeVisibility(receipt, int32(delay.Seconds()))
	}
	msg.InProgressFunc = func() error {
		return c.changeVisibility(receipt, c.visibility)
	}

	sink.HandleMessage(msg)
}

func (c *Consumer) delete(receipt string) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete sqs message: %w", err)
	}
	return nil
}

func (c *Consumer) changeVisibility(receipt string, seconds int32) error {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxVisibilitySeconds {
		seconds = maxVisibilitySeconds
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := c.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("change sqs visibility: %w", err)
	}
	return nil
}
