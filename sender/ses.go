package sender

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
)

// SESConfig holds configuration for AWS SES.
type SESConfig struct {
	Region             string
	AccessKeyID        string
	SecretAccessKey    string
	FromAddress        string
	FromName           string
	ConfigurationSet   string
	InsecureSkipVerify bool
}

// sesAPI is the slice of the SES client the sender uses.
type sesAPI interface {
	SendTemplatedEmail(ctx context.Context, params *ses.SendTemplatedEmailInput, optFns ...func(*ses.Options)) (*ses.SendTemplatedEmailOutput, error)
}

// SESSender sends each envelope as an SES templated email. The SES template
// name is the envelope's template key; the payload is the template data.
type SESSender struct {
	client    sesAPI
	directory Directory
	source    string
	configSet string
	log       *zap.SugaredLogger
}

// NewSESSender creates an SES client with static credentials.
func NewSESSender(cfg SESConfig, dir Directory, log *zap.SugaredLogger) (*SESSender, error) {
	if cfg.Region == "" || cfg.FromAddress == "" {
		return nil, errors.NewValidationError("ses sender needs a region and a from address")
	}
	if cfg.InsecureSkipVerify {
		log.Warnw("TLS certificate verification is disabled for SES. Use only in development.")
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				MinVersion:         tls.VersionTLS12,
			},
		},
	}
	awsCfg := aws.Config{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		HTTPClient: httpClient,
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, dir, log), nil
}

func newSESSender(client sesAPI, cfg SESConfig, dir Directory, log *zap.SugaredLogger) *SESSender {
	source := cfg.FromAddress
	if cfg.FromName != "" {
		source = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}
	return &SESSender{
		client:    client,
		directory: dir,
		source:    source,
		configSet: cfg.ConfigurationSet,
		log:       log,
	}
}

func (s *SESSender) Send(ctx context.Context, env Envelope) error {
	to, err := s.directory.Resolve(env.RecipientRef)
	if err != nil {
		return err
	}
	data, err := json.Marshal(templateData(env))
	if err != nil {
		return Permanent(errors.Wrap(err, "encode template data"))
	}

	input := &ses.SendTemplatedEmailInput{
		Source:       aws.String(s.source),
		Destination:  &types.Destination{ToAddresses: []string{to}},
		Template:     aws.String(env.TemplateKey),
		TemplateData: aws.String(string(data)),
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendTemplatedEmail(ctx, input)
	if err != nil {
		return classifySES(errors.Wrapf(err, "ses send %s", env.MessageID))
	}
	s.log.Debugw("Email sent via SES",
		logger.FieldMessageID, env.MessageID,
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// templateData is the payload plus the dedupe key, for templates that want to
// show or forward it.
func templateData(env Envelope) map[string]interface{} {
	data := map[string]interface{}{
		"dedupe_key": env.DedupeKey,
		"message_id": env.MessageID,
	}
	raw, err := json.Marshal(env.Context)
	if err != nil {
		return data
	}
	var fields map[string]interface{}
	if json.Unmarshal(raw, &fields) == nil {
		for k, v := range fields {
			data[k] = v
		}
	}
	return data
}

// SES error codes that no retry will fix.
var sesPermanentCodes = map[string]bool{
	"MessageRejected":                        true,
	"MailFromDomainNotVerifiedException":     true,
	"TemplateDoesNotExist":                   true,
	"ConfigurationSetDoesNotExist":           true,
	"AccountSendingPausedException":          true,
	"ConfigurationSetSendingPausedException": true,
	"InvalidParameterValue":                  true,
}

func classifySES(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sesPermanentCodes[apiErr.ErrorCode()] {
			return Permanent(err)
		}
		return Transient(err)
	}
	// No API error means the request never got an answer
	return Transient(err)
}
