// Package embedded implements a file-backed SQLite broker so the router
// runs without external infrastructure. Deliveries are claimed with a
// lease; an ack deletes the row, a nack releases it (optionally in the
// future), and InProgress extends the lease.
package embedded

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/oklog/ulid/v2"

	"github.com/flowmill/flowmill/broker"
	"github.com/flowmill/flowmill/internal/router/config"
	"github.com/flowmill/flowmill/internal/router/message"
)

func init() {
	broker.Register(config.BrokerEmbedded, Build, broker.Capabilities{
		Name:            config.BrokerEmbedded,
		DelayedNack:     true,
		LeaseExtension:  true,
		AlwaysConnected: true,
	})
}

const (
	// DefaultPollInterval is the claim-poll cadence.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultLeaseDuration is how long a claimed row stays invisible.
	DefaultLeaseDuration = 30 * time.Second
	// claimBatch is how many rows one poll cycle claims at most.
	claimBatch = 10
	// maxAttempts drops a message after this many failed deliveries,
	// mirroring the delivery caps the networked brokers enforce.
	maxAttempts = 10
)

// Build opens the configured database and creates one consumer per
// queue. Registered under the "embedded" broker kind.
func Build(ctx context.Context, cfg *config.Config) ([]broker.Consumer, error) {
	ec := cfg.Broker.Embedded

	store, err := Open(ec.File)
	if err != nil {
		return nil, err
	}

	pollInterval := ec.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	lease := ec.LeaseDuration
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}

	consumers := make([]broker.Consumer, 0, len(ec.Queues))
	for _, queue := range ec.Queues {
		consumers = append(consumers, NewConsumer(store, queue, pollInterval, lease))
	}
	return consumers, nil
}

// Store is the SQLite-backed queue shared by consumers and enqueuers.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the queue database. ":memory:" works for
// tests.
func Open(file string) (*Store, error) {
	db, err := sql.Open("sqlite3", file+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// One connection: SQLite serializes writers anyway and a second
	// connection would not see an in-memory database at all.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize queue schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		available_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		lease_until TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_available
		ON messages(queue, available_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue stores a message for delivery on a queue, optionally delayed.
// The message's wire form is what consumers later decode.
func (s *Store) Enqueue(ctx context.Context, queue string, msg *message.Pointer, delay time.Duration) error {
	data, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	uuid := msg.ID
	if uuid == "" {
		uuid = ulid.Make().String()
	}
	availableAt := time.Now().UTC().Add(delay)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (uuid, queue, payload, available_at)
		VALUES (?, ?, ?, ?)
	`, uuid, queue, data, availableAt)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// Depth counts deliverable and leased messages on a queue.
func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE queue = ?`, queue).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type claimedRow struct {
	id       int64
	uuid     string
	payload  []byte
	attempts int
}

// claim leases up to limit deliverable rows on a queue.
func (s *Store) claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]claimedRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("claim rollback failed", "error", rbErr)
		}
	}()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, uuid, payload, attempts
		FROM messages
		WHERE queue = ?
		AND available_at <= ?
		AND (lease_until IS NULL OR lease_until < ?)
		ORDER BY available_at ASC, id ASC
		LIMIT ?
	`, queue, now, now, limit)
	if err != nil {
		return nil, err
	}
	var claimed []claimedRow
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.id, &r.uuid, &r.payload, &r.attempts); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease)
	for _, r := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET lease_until = ? WHERE id = ?`, leaseUntil, r.id); err != nil {
			return nil, err
		}
	}
	return claimed, tx.Commit()
}

func (s *Store) delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// release returns a claimed row to the queue after delay, counting the
// failed attempt. A row that exhausts maxAttempts is dropped.
func (s *Store) release(id int64, delay time.Duration) error {
	var attempts int
	var uuid string
	err := s.db.QueryRow(`SELECT attempts, uuid FROM messages WHERE id = ?`, id).
		Scan(&attempts, &uuid)
	if err != nil {
		return err
	}
	if attempts+1 >= maxAttempts {
		slog.Error("embedded message exhausted delivery attempts, dropping",
			"uuid", uuid, "attempts", attempts+1)
		return s.delete(id)
	}
	availableAt := time.Now().UTC().Add(delay)
	_, err = s.db.Exec(`
		UPDATE messages
		SET attempts = attempts + 1,
		    lease_until = NULL,
		    available_at = ?
		WHERE id = ?
	`, availableAt, id)
	return err
}

func (s *Store) extendLease(id int64, lease time.Duration) error {
	leaseUntil := time.Now().UTC().Add(lease)
	_, err := s.db.Exec(`UPDATE messages SET lease_until = ? WHERE id = ?`, leaseUntil, id)
	return err
}

// Consumer claim-polls one queue of the shared store.
type Consumer struct {
	store        *Store
	queue        string
	pollInterval time.Duration
	lease        time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(store *Store, queue string, pollInterval, lease time.Duration) *Consumer {
	return &Consumer{
		store:        store,
		queue:        queue,
		pollInterval: pollInterval,
		lease:        lease,
	}
}

// QueueIdentifier returns the queue name.
func (c *Consumer) QueueIdentifier() string { return c.queue }

// Start launches the claim-poll loop.
func (c *Consumer) Start(ctx context.Context, sink broker.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("embedded consumer for %s already started", c.queue)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop(pollCtx, sink)
	}()
	slog.Info("embedded consumer started", "queue", c.queue)
	return nil
}

// Stop halts polling. The shared store stays open for other queues and
// for unsettled messages' hooks.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	slog.Info("embedded consumer stopped", "queue", c.queue)
	return nil
}

// Ping always succeeds; the store is in-process.
func (c *Consumer) Ping(ctx context.Context) error { return nil }

func (c *Consumer) pollLoop(ctx context.Context, sink broker.Sink) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := c.store.claim(ctx, c.queue, claimBatch, c.lease)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("embedded claim failed", "queue", c.queue, "error", err)
				continue
			}
			for _, row := range claimed {
				c.forward(row, sink)
			}
			sink.PollCompleted(c.queue)
		}
	}
}

// forward decodes one claimed row and binds store-backed settlement
// hooks. Undecodable rows are deleted.
func (c *Consumer) forward(row claimedRow, sink broker.Sink) {
	msg, err := message.Decode(row.payload)
	if err != nil {
		slog.Error("embedded message decode failed, deleting",
			"queue", c.queue, "uuid", row.uuid, "error", err)
		sink.DecodeFailed(c.queue)
		if delErr := c.store.delete(row.id); delErr != nil {
			slog.Warn("failed to delete undecodable row",
				"queue", c.queue, "error", delErr)
		}
		return
	}

	msg.BrokerMessageID = row.uuid
	msg.SourceQueue = c.queue
	msg.EnqueueTime = time.Now()
	msg.RetryCount = row.attempts

	id := row.id
	msg.AckFunc = func() error { return c.store.delete(id) }
	msg.NackFunc = func() error { return c.store.release(id, 0) }
	msg.NackDelayFunc = func(delay time.Duration) error { return c.store.release(id, delay) }
	msg.InProgressFunc = func() error { return c.store.extendLease(id, c.lease) }

	sink.HandleMessage(msg)
}
