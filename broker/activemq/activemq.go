// Package activemq implements the ActiveMQ broker adapter over STOMP
// with client-individual acknowledgement. STOMP has no per-nack
// redelivery delay and no lease extension, so delayed nacks fall back to
// plain nacks and leases are the broker's business.
package activemq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/message"
)

func init() {
	broker.Register(config.BrokerActiveMQ, Build, broker.Capabilities{
		Name: config.BrokerActiveMQ,
	})
}

// pollMark is how often the consumer reports a completed poll cycle
// while the subscription channel is quiet.
const pollMark = 5 * time.Second

// Build dials the STOMP listener and creates one consumer per queue.
// Registered under the "activemq" broker kind.
func Build(ctx context.Context, cfg *config.Config) ([]broker.Consumer, error) {
	ac := cfg.Broker.ActiveMQ

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(30*time.Second, 30*time.Second),
	}
	if ac.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(ac.Login, ac.Passcode))
	}
	conn, err := stomp.Dial("tcp", ac.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to activemq: %w", err)
	}

	consumers := make([]broker.Consumer, 0, len(ac.Queues))
	for _, queue := range ac.Queues {
		consumers = append(consumers, &Consumer{conn: conn, queue: queue})
	}
	return consumers, nil
}

// Consumer reads one queue's STOMP subscription.
type Consumer struct {
	conn  *stomp.Conn
	queue string

	mu      sync.Mutex
	sub     *stomp.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// QueueIdentifier returns the queue destination.
func (c *Consumer) QueueIdentifier() string { return c.queue }

// Start subscribes with client-individual ack and launches the read
// loop.
func (c *Consumer) Start(ctx context.Context, sink broker.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("activemq consumer for %s already started", c.queue)
	}
	sub, err := c.conn.Subscribe(c.queue, stomp.AckClientIndividual)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.queue, err)
	}
	c.sub = sub

	readCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(readCtx, sink)
	}()
	slog.Info("activemq consumer started", "queue", c.queue)
	return nil
}

// Stop unsubscribes and waits for the read loop to exit. The shared
// STOMP connection stays up for the other queues.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	if err := c.sub.Unsubscribe(); err != nil {
		slog.Warn("activemq unsubscribe failed", "queue", c.queue, "error", err)
	}
	c.wg.Wait()
	c.started = false
	slog.Info("activemq consumer stopped", "queue", c.queue)
	return nil
}

// Ping reports whether the subscription is still active. STOMP offers no
// request/response probe; a dead connection shows up as an inactive
// subscription or an error message on the channel.
func (c *Consumer) Ping(ctx context.Context) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("activemq: not subscribed to %s", c.queue)
	}
	if !sub.Active() {
		return fmt.Errorf("activemq: subscription to %s inactive", c.queue)
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context, sink broker.Sink) {
	mark := time.NewTicker(pollMark)
	defer mark.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mark.C:
			// Quiet queue still counts as healthy polling.
			sink.PollCompleted(c.queue)
		case m, ok := <-c.sub.C:
			if !ok {
				return
			}
			if m.Err != nil {
				slog.Error("activemq receive failed", "queue", c.queue, "error", m.Err)
				continue
			}
			c.forward(m, sink)
			sink.PollCompleted(c.queue)
		}
	}
}

// forward decodes one frame and binds STOMP settlement hooks. An
// undecodable frame is acked away; redelivery cannot fix it.
func (c *Consumer) forward(m *stomp.Message, sink broker.Sink) {
	msg, err := message.Decode(m.Body)
	if err != nil {
		slog.Error("activemq message decode failed, discarding",
			"queue", c.queue, "error", err)
		sink.DecodeFailed(c.queue)
		if ackErr := c.conn.Ack(m); ackErr != nil {
			slog.Warn("failed to discard undecodable frame",
				"queue", c.queue, "error", ackErr)
		}
		return
	}

	msg.SourceQueue = c.queue
	msg.EnqueueTime = time.Now()
	if m.Header != nil {
		if id := m.Header.Get("message-id"); id != "" {
			msg.BrokerMessageID = id
		}
	}

	msg.AckFunc = func() error { return c.conn.Ack(m) }
	msg.NackFunc = func() error { return c.conn.Nack(m) }
	// No NackDelayFunc: Pointer.NackWithDelay falls back to plain Nack.
	// No InProgressFunc: ActiveMQ has no lease to extend.

	sink.HandleMessage(msg)
}
