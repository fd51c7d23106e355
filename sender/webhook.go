package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/internal/httpclient"
	"github.com/teranos/slotpulse/logger"
)

// WebhookConfig configures delivery by HTTP POST.
type WebhookConfig struct {
	URL          string
	Token        string // sent as a bearer token when set
	Timeout      time.Duration
	AllowPrivate bool
}

// WebhookSender POSTs each envelope as JSON. The dedupe key travels in the
// Idempotency-Key header so the receiver can drop replays.
type WebhookSender struct {
	client *httpclient.Client
	target string
	token  string
	log    *zap.SugaredLogger
}

// NewWebhookSender validates the target and creates a guarded client for it.
func NewWebhookSender(cfg WebhookConfig, log *zap.SugaredLogger) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, errors.NewValidationError("webhook sender needs a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivate: cfg.AllowPrivate})

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "webhook url: "+err.Error())
	}
	if err := client.Check(u); err != nil {
		return nil, errors.WithHint(err, "set sender.webhook.allow_private for targets on a private network")
	}
	if cfg.AllowPrivate {
		log.Warnw("Webhook address checks are disabled")
	}
	return &WebhookSender{client: client, target: u.String(), token: cfg.Token, log: log}, nil
}

func (s *WebhookSender) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return Permanent(errors.Wrap(err, "encode envelope"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(body))
	if err != nil {
		return Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.DedupeKey)
	req.Header.Set("X-Slotpulse-Attempt", strconv.Itoa(env.Attempt))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, errors.ErrValidation) {
			return Permanent(err)
		}
		return Transient(errors.Wrapf(err, "post %s", env.MessageID))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	s.log.Debugw("Webhook responded",
		logger.FieldMessageID, env.MessageID,
		logger.FieldRecipient, env.RecipientRef,
		"status", resp.StatusCode,
	)
	return classifyStatus(resp.StatusCode, string(snippet))
}

// classifyStatus maps a webhook response to nil, Transient or Permanent.
// Timeouts, throttling and server errors are retried; other 4xx are not.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return Transient(errors.Newf("webhook returned %d: %s", code, body))
	default:
		return Permanent(errors.Newf("webhook rejected with %d: %s", code, body))
	}
}
