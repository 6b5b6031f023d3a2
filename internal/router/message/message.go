// Package message defines the canonical in-memory form of a queued
// message after broker decoding, plus the wire format consumers parse.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingTarget is returned when a wire message names no target URL.
var ErrMissingTarget = errors.New("message has no target URL")

// ErrMissingPool is returned when a wire message names no pool code.
var ErrMissingPool = errors.New("message has no pool code")

// Pointer is the routed unit of work. It is created by a queue consumer
// on poll and destroyed when the broker is acked or nacked. Fields are
// immutable after decoding; only retry bookkeeping changes between
// deliveries.
type Pointer struct {
	// ID is the application message ID.
	ID string
	// BrokerMessageID is the broker's delivery ID, used for duplicate
	// suppression of redeliveries.
	BrokerMessageID string
	// PoolCode selects the process pool.
	PoolCode string
	// TargetURL is where the mediator posts the message.
	TargetURL string
	// MessageGroup is the broker-level ordering key, informational here.
	MessageGroup string
	// AuthToken, when set, is sent as a bearer token for this message,
	// overriding the mediator-wide token.
	AuthToken string
	// Payload is the body posted to the target.
	Payload []byte
	// Headers are extra HTTP headers for the mediation call.
	Headers map[string]string
	// TimeoutSeconds overrides the mediator call timeout when positive.
	TimeoutSeconds int
	// SourceQueue identifies the queue the delivery came from.
	SourceQueue string
	// EnqueueTime is when the consumer received the delivery.
	EnqueueTime time.Time
	// RetryCount is the broker's delivery attempt count, zero-based.
	RetryCount int

	// Broker acknowledgement hooks, bound by the consumer.
	AckFunc        func() error
	NackFunc       func() error
	NackDelayFunc  func(time.Duration) error
	InProgressFunc func() error
}

// Ack acknowledges the delivery on the broker.
func (p *Pointer) Ack() error {
	if p.AckFunc == nil {
		return nil
	}
	return p.AckFunc()
}

// Nack returns the delivery to the broker for redelivery after the
// broker's default visibility window.
func (p *Pointer) Nack() error {
	if p.NackFunc == nil {
		return nil
	}
	return p.NackFunc()
}

// NackWithDelay returns the delivery for redelivery after delay. Brokers
// without delayed redelivery fall back to a plain nack.
func (p *Pointer) NackWithDelay(delay time.Duration) error {
	if p.NackDelayFunc == nil {
		return p.Nack()
	}
	return p.NackDelayFunc(delay)
}

// InProgress extends the broker lease for a long-running dispatch.
// A no-op on brokers without lease extension.
func (p *Pointer) InProgress() error {
	if p.InProgressFunc == nil {
		return nil
	}
	return p.InProgressFunc()
}

// DedupKey is the identity used for in-pipeline duplicate suppression:
// the broker delivery ID when present, otherwise the application ID.
func (p *Pointer) DedupKey() string {
	if p.BrokerMessageID != "" {
		return p.BrokerMessageID
	}
	return p.ID
}

// wirePointer is the JSON document carried on the broker.
type wirePointer struct {
	ID             string            `json:"id"`
	PoolCode       string            `json:"poolCode"`
	TargetURL      string            `json:"targetUrl"`
	MessageGroup   string            `json:"messageGroup,omitempty"`
	AuthToken      string            `json:"authToken,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// Decode parses the broker wire format into a Pointer. The returned
// pointer has no acknowledgement hooks; the consumer binds them.
func Decode(data []byte) (*Pointer, error) {
	var w wirePointer
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.TargetURL == "" {
		return nil, ErrMissingTarget
	}
	if w.PoolCode == "" {
		return nil, ErrMissingPool
	}
	return &Pointer{
		ID:             w.ID,
		PoolCode:       w.PoolCode,
		TargetURL:      w.TargetURL,
		MessageGroup:   w.MessageGroup,
		AuthToken:      w.AuthToken,
		Payload:        []byte(w.Payload),
		Headers:        w.Headers,
		TimeoutSeconds: w.TimeoutSeconds,
	}, nil
}

// Encode renders a Pointer back into the wire format. Used by the
// embedded broker's enqueue helper and by tests.
func Encode(p *Pointer) ([]byte, error) {
	w := wirePointer{
		ID:             p.ID,
		PoolCode:       p.PoolCode,
		TargetURL:      p.TargetURL,
		MessageGroup:   p.MessageGroup,
		AuthToken:      p.AuthToken,
		Headers:        p.Headers,
		TimeoutSeconds: p.TimeoutSeconds,
	}
	if len(p.Payload) > 0 {
		w.Payload = json.RawMessage(p.Payload)
	}
	return json.Marshal(w)
}
