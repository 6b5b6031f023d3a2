// Package nats implements the NATS JetStream broker adapter. Each
// configured subject gets a durable pull consumer; acknowledgement maps
// directly onto JetStream's Ack/Nak/NakWithDelay/InProgress.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/message"
)

func init() {
	broker.Register(config.BrokerNATS, Build, broker.Capabilities{
		Name:           config.BrokerNATS,
		DelayedNack:    true,
		LeaseExtension: true,
	})
}

const (
	defaultAckWait    = 2 * time.Minute
	defaultMaxDeliver = 5
	// maxAckPending bounds deliveries awaiting ack per consumer.
	maxAckPending = 1000
	// fetchBatch is the pull batch size per poll cycle.
	fetchBatch = 10
	// fetchWait is the server-side wait for a pull with nothing queued.
	fetchWait = time.Second
)

// Build connects to the NATS server and creates one pull consumer per
// configured subject. Registered under the "nats" broker kind.
func Build(ctx context.Context, cfg *config.Config) ([]broker.Consumer, error) {
	nc := cfg.Broker.NATS

	conn, err := nats.Connect(nc.URL,
		nats.Name("flowmill-router"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ackWait := nc.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	maxDeliver := nc.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDeliver
	}

	consumers := make([]broker.Consumer, 0, len(nc.Subjects))
	for _, subject := range nc.Subjects {
		durable := consumerName(nc.ConsumerName, subject)
		consumerCfg := &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       ackWait,
			MaxDeliver:    maxDeliver,
			MaxAckPending: maxAckPending,
			DeliverPolicy: nats.DeliverAllPolicy,
		}
		if _, err := js.AddConsumer(nc.Stream, consumerCfg); err != nil {
			if _, err := js.UpdateConsumer(nc.Stream, consumerCfg); err != nil {
				conn.Close()
				return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
			}
		}
		sub, err := js.PullSubscribe(subject, durable, nats.BindStream(nc.Stream))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
		}
		consumers = append(consumers, &Consumer{
			conn:    conn,
			sub:     sub,
			subject: subject,
		})
	}
	return consumers, nil
}

// consumerName derives a durable name. JetStream durables may not
// contain dots.
func consumerName(base, subject string) string {
	if base == "" {
		base = "flowmill"
	}
	return base + "_" + strings.ReplaceAll(subject, ".", "_")
}

// Consumer pulls one subject's durable consumer.
type Consumer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// QueueIdentifier returns the subject this consumer pulls.
func (c *Consumer) QueueIdentifier() string { return c.subject }

// Start launches the fetch loop.
func (c *Consumer) Start(ctx context.Context, sink broker.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("nats consumer for %s already started", c.subject)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fetchLoop(pollCtx, sink)
	}()
	slog.Info("nats consumer started", "subject", c.subject)
	return nil
}

// Stop halts fetching and waits for the loop to exit. The shared
// connection stays open; the last Stop does not close it because other
// subjects may still be draining. Connection teardown is left to
// process exit, matching the reconnect-forever dial options.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	slog.Info("nats consumer stopped", "subject", c.subject)
	return nil
}

// Ping reports the connection status.
func (c *Consumer) Ping(ctx context.Context) error {
	if status := c.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

func (c *Consumer) fetchLoop(ctx context.Context, sink broker.Sink) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := c.sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if err == nats.ErrTimeout {
				sink.PollCompleted(c.subject)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("nats fetch failed", "subject", c.subject, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			c.forward(m, sink)
		}
		sink.PollCompleted(c.subject)
	}
}

// forward decodes one delivery and binds JetStream settlement hooks.
// Undecodable deliveries are terminated so the stream does not redeliver
// them until MaxDeliver runs out.
func (c *Consumer) forward(m *nats.Msg, sink broker.Sink) {
	msg, err := message.Decode(m.Data)
	if err != nil {
		slog.Error("nats message decode failed, terminating",
			"subject", c.subject, "error", err)
		sink.DecodeFailed(c.subject)
		if termErr := m.Term(); termErr != nil {
			slog.Warn("failed to terminate undecodable message",
				"subject", c.subject, "error", termErr)
		}
		return
	}

	msg.SourceQueue = c.subject
	msg.EnqueueTime = time.Now()
	if meta, err := m.Metadata(); err == nil {
		msg.BrokerMessageID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
		if meta.NumDelivered > 0 {
			msg.RetryCount = int(meta.NumDelivered) - 1
		}
	}

	msg.AckFunc = func() error { return m.Ack() }
	msg.NackFunc = func() error { return m.Nak() }
	msg.NackDelayFunc = func(delay time.Duration) error { return m.NakWithDelay(delay) }
	msg.InProgressFunc = func() error { return m.InProgress() }

	sink.HandleMessage(msg)
}
