package sender

import (
	"go.uber.org/zap"

	"github.com/teranos/slotpulse/am"
	"github.com/teranos/slotpulse/errors"
)

// Provider names a sender adapter.
type Provider string

const (
	ProviderLog     Provider = "log"
	ProviderNoop    Provider = "noop"
	ProviderSES     Provider = "ses"
	ProviderAMQP    Provider = "amqp"
	ProviderWebhook Provider = "webhook"
)

// New creates the sender selected by cfg.Provider. The returned close func
// releases transport resources and is never nil.
func New(cfg am.SenderConfig, log *zap.SugaredLogger) (Sender, func() error, error) {
	noClose := func() error { return nil }

	switch Provider(cfg.Provider) {
	case ProviderLog, ProviderNoop, "":
		return NewLogSender(log), noClose, nil

	case ProviderSES:
		s, err := NewSESSender(SESConfig{
			Region:             cfg.SES.Region,
			AccessKeyID:        cfg.SES.AccessKeyID,
			SecretAccessKey:    cfg.SES.SecretAccessKey,
			FromAddress:        cfg.SES.FromAddress,
			FromName:           cfg.SES.FromName,
			ConfigurationSet:   cfg.SES.ConfigurationSet,
			InsecureSkipVerify: cfg.SES.InsecureSkipVerify,
		}, NewStaticDirectory(cfg.Directory), log)
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil

	case ProviderAMQP:
		s, err := DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, nil, errors.WithHint(err, "check sender.amqp.url and that the broker is reachable")
		}
		return s, s.Close, nil

	case ProviderWebhook:
		s, err := NewWebhookSender(WebhookConfig{
			URL:          cfg.Webhook.URL,
			Token:        cfg.Webhook.Token,
			Timeout:      cfg.Webhook.Timeout,
			AllowPrivate: cfg.Webhook.AllowPrivate,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil
	}

	return nil, nil, errors.NewValidationError("unknown sender provider %q", cfg.Provider)
}
