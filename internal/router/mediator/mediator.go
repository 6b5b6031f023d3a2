// Package mediator performs the outbound HTTP dispatch for routed
// messages and classifies responses into routing outcomes. Mediation is
// single-attempt: retries are the broker's job, driven by nack.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/flowmill/flowmill/internal/router/message"
)

// Result classifies a mediation attempt.
type Result string

const (
	// ResultSuccess: the target accepted the message; ack it.
	ResultSuccess Result = "SUCCESS"
	// ResultErrorConfig: the target rejected the message permanently
	// (4xx); ack it so the broker never redelivers.
	ResultErrorConfig Result = "ERROR_CONFIG"
	// ResultErrorProcess: transient processing failure (5xx, 429,
	// ack=false); nack for redelivery.
	ResultErrorProcess Result = "ERROR_PROCESS"
	// ResultErrorConnection: the target was unreachable or timed out;
	// nack for redelivery.
	ResultErrorConnection Result = "ERROR_CONNECTION"
)

// responseBodyLimit caps how much of a mediation response is read.
const responseBodyLimit = 64 * 1024

// Outcome is the classified result of one mediation attempt.
type Outcome struct {
	Result     Result
	StatusCode int
	// Delay, when set, is the redelivery delay requested by the target
	// (response delaySeconds, or the 429 default).
	Delay *time.Duration
	// ResponseAck is the parsed ack field of a 2xx response body.
	ResponseAck *bool
	Err         error
}

// TargetFailure reports whether this outcome should count against the
// target's circuit breaker. Permanent 4xx rejections and ack=false
// deferrals mean the target is alive, so only connection failures and
// 5xx count.
func (o *Outcome) TargetFailure() bool {
	switch o.Result {
	case ResultErrorConnection:
		return true
	case ResultErrorProcess:
		return o.StatusCode >= 500
	default:
		return false
	}
}

// Mediator dispatches one message to its target.
type Mediator interface {
	Mediate(ctx context.Context, msg *message.Pointer) *Outcome
}

// Config tunes the HTTP mediator.
type Config struct {
	// Timeout bounds a single call unless the message carries its own.
	Timeout time.Duration
	// AuthToken is the bearer token sent when the message has none.
	AuthToken string
	// RateLimitedDelay is the redelivery delay for a 429 that names no
	// delay of its own.
	RateLimitedDelay time.Duration
}

// HTTPMediator posts messages to their target URL and classifies the
// response per the routing contract.
type HTTPMediator struct {
	client *http.Client
	cfg    Config
}

// NewHTTP creates an HTTP mediator.
func NewHTTP(cfg Config) *HTTPMediator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &HTTPMediator{
		// The client carries no timeout; each call gets a context
		// deadline so per-message timeouts can override the default.
		client: &http.Client{Transport: transport},
		cfg:    cfg,
	}
}

// Mediate posts the message to its target and classifies the response.
func (m *HTTPMediator) Mediate(ctx context.Context, msg *message.Pointer) *Outcome {
	timeout := m.cfg.Timeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := msg.Payload
	if len(body) == 0 {
		body = []byte(fmt.Sprintf(`{"messageId":%q}`, msg.ID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.TargetURL, bytes.NewReader(body))
	if err != nil {
		return &Outcome{
			Result: ResultErrorConfig,
			Err:    fmt.Errorf("build request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := m.authToken(msg); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return m.classifyError(msg, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	slog.Debug("mediation response",
		"messageId", msg.ID,
		"target", msg.TargetURL,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	return m.classifyResponse(msg, resp, respBody)
}

func (m *HTTPMediator) authToken(msg *message.Pointer) string {
	if msg.AuthToken != "" {
		return msg.AuthToken
	}
	return m.cfg.AuthToken
}

func (m *HTTPMediator) classifyError(msg *message.Pointer, err error) *Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("mediation timeout", "messageId", msg.ID, "target", msg.TargetURL)
		return &Outcome{Result: ResultErrorConnection, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Outcome{Result: ResultErrorProcess, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Outcome{Result: ResultErrorConnection, Err: err}
	}
	// url.Error wraps dial failures without implementing net.Error in
	// every case; treat anything else from client.Do as unreachable.
	return &Outcome{Result: ResultErrorConnection, Err: err}
}

func (m *HTTPMediator) classifyResponse(msg *message.Pointer, resp *http.Response, body []byte) *Outcome {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		ack := parseAck(body)
		if ack != nil && !*ack {
			slog.Info("target deferred message", "messageId", msg.ID, "status", code)
			return &Outcome{
				Result:      ResultErrorProcess,
				StatusCode:  code,
				ResponseAck: ack,
				Delay:       parseDelay(body),
			}
		}
		return &Outcome{Result: ResultSuccess, StatusCode: code, ResponseAck: ack}

	case code == http.StatusTooManyRequests:
		delay := parseDelay(body)
		if delay == nil {
			delay = retryAfter(resp)
		}
		if delay == nil {
			d := m.cfg.RateLimitedDelay
			delay = &d
		}
		slog.Warn("target rate limited", "messageId", msg.ID, "delay", *delay)
		return &Outcome{Result: ResultErrorProcess, StatusCode: code, Delay: delay}

	case code >= 400 && code < 500:
		slog.Warn("target rejected message", "messageId", msg.ID, "status", code)
		return &Outcome{Result: ResultErrorConfig, StatusCode: code}

	default:
		slog.Warn("target server error", "messageId", msg.ID, "status", code)
		return &Outcome{Result: ResultErrorProcess, StatusCode: code}
	}
}

func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

func parseDelay(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}

func retryAfter(resp *http.Response) *time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
