package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/internal/pkg/audit"
	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
)

const (
	UserAgent          = "Gmail-Agent-Registration/1.0"
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultTimeout     = 10 * time.Second
)

var ErrNotConfigured = errors.New("webhook URL not configured")

// Result reports the outcome of one delivery. Deliver never returns an error;
// failures are described here.
type Result struct {
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher posts signed envelopes to the automation endpoint.
type Dispatcher struct {
	URL                string
	Secret             string
	IncludeCredentials bool
	MaxAttempts        int
	BaseDelay          time.Duration
	HTTPClient         *http.Client
	Recorder           audit.Recorder
}

func NewDispatcher(cfg config.WebhookConfig, recorder audit.Recorder) *Dispatcher {
	return &Dispatcher{
		URL:                cfg.URL,
		Secret:             cfg.Secret,
		IncludeCredentials: cfg.IncludeCredentials,
		MaxAttempts:        defaultMaxAttempts,
		BaseDelay:          defaultBaseDelay,
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
		Recorder: recorder,
	}
}

// Deliver sends the event with up to MaxAttempts tries, doubling the delay
// between attempts, and records webhook_sent or webhook_failed.
func (d *Dispatcher) Deliver(ctx context.Context, clientID string, event Event) Result {
	res := d.deliver(ctx, clientID, event)

	if d.Recorder != nil {
		details := models.AuditDetails{
			"eventType": string(event.Type()),
			"attempts":  res.Attempts,
		}
		if res.StatusCode != 0 {
			details["statusCode"] = res.StatusCode
		}
		entry := audit.Success(clientID, models.AuditWebhookSent, details)
		if !res.Success {
			entry = audit.Failure(clientID, models.AuditWebhookFailed, errors.New(res.Error), details)
		}
		_ = d.Recorder.Record(ctx, entry)
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, clientID string, event Event) Result {
	if strings.TrimSpace(d.URL) == "" {
		log.Warnf("[Webhook] URL not configured, skipping %s for client %s", event.Type(), clientID)
		return Result{Success: false, Error: ErrNotConfigured.Error()}
	}

	if r, ok := event.(redactable); ok && !d.IncludeCredentials {
		event = r.Redacted()
	}
	body, err := json.Marshal(NewEnvelope(clientID, event))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}
	signature := Sign(body, d.Secret)

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		status, err := d.post(ctx, body, signature)
		res.StatusCode = status
		if err == nil {
			log.Infof("[Webhook] %s delivered for client %s (attempt %d/%d)", event.Type(), clientID, attempt, maxAttempts)
			res.Success = true
			res.Error = ""
			return res
		}
		res.Error = err.Error()
		log.Warnf("[Webhook] attempt %d/%d failed for client %s: %v", attempt, maxAttempts, clientID, err)

		if attempt == maxAttempts {
			break
		}
		delay := d.BaseDelay * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		case <-time.After(delay):
		}
	}
	log.Errorf("[Webhook] %s for client %s failed after %d attempts: %s", event.Type(), clientID, res.Attempts, res.Error)
	return res
}

func (d *Dispatcher) post(ctx context.Context, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
