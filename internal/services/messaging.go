package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	mail "github.com/go-mail/mail"
)

// Message is an outbound notification
type Message struct {
	To      string
	Subject string
	Body    string
}

// SendResult reports which provider handled a message
type SendResult struct {
	Success  bool
	Provider string
	Err      error
}

// Messenger delivers messages to users
type Messenger interface {
	Send(ctx context.Context, msg Message) SendResult
}

// SESAPI is the part of the SES client used for delivery
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESMessenger sends messages using AWS SES
type SESMessenger struct {
	client      SESAPI
	fromAddress string
	logger      *slog.Logger
}

// NewSESMessenger creates a messenger from the default AWS credential chain
func NewSESMessenger(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESMessenger, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESMessengerWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

// NewSESMessengerWithClient creates a messenger around an existing client
func NewSESMessengerWithClient(client SESAPI, fromAddress string, logger *slog.Logger) *SESMessenger {
	return &SESMessenger{
		client:      client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

// Send delivers msg as a plain text email
func (s *SESMessenger) Send(ctx context.Context, msg Message) SendResult {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		s.logger.Error("ses send failed", slog.Any("error", err))
		return SendResult{Provider: "ses", Err: fmt.Errorf("ses send: %w", err)}
	}
	return SendResult{Success: true, Provider: "ses"}
}

// SMTPConfig holds SMTP connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLSMode  string // "starttls" or "ssl"
	Timeout  time.Duration
}

// SMTPMessenger sends messages through an SMTP relay
type SMTPMessenger struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPMessenger creates a new SMTPMessenger
func NewSMTPMessenger(cfg SMTPConfig, logger *slog.Logger) *SMTPMessenger {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &SMTPMessenger{config: cfg, logger: logger}
}

// Send delivers msg over SMTP. The dialer has its own timeout; ctx is only
// checked before dialing.
func (s *SMTPMessenger) Send(ctx context.Context, msg Message) SendResult {
	if err := ctx.Err(); err != nil {
		return SendResult{Provider: "smtp", Err: err}
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	d := mail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)
	d.Timeout = s.config.Timeout
	d.TLSConfig = &tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}
	if s.config.TLSMode == "ssl" {
		d.SSL = true
	}

	if err := d.DialAndSend(m); err != nil {
		s.logger.Error("smtp send failed", slog.String("host", s.config.Host), slog.Any("error", err))
		return SendResult{Provider: "smtp", Err: fmt.Errorf("smtp send: %w", err)}
	}
	return SendResult{Success: true, Provider: "smtp"}
}

// LogMessenger writes messages to the log instead of delivering them.
// The body carries the code, so it is redacted in production.
type LogMessenger struct {
	logger *slog.Logger
	env    string
}

// NewLogMessenger creates a new LogMessenger
func NewLogMessenger(logger *slog.Logger, env string) *LogMessenger {
	return &LogMessenger{logger: logger, env: env}
}

// Send logs msg and always succeeds
func (l *LogMessenger) Send(ctx context.Context, msg Message) SendResult {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "message not delivered (log messenger)",
		slog.String("subject", msg.Subject),
		pkglogger.RedactedAttr("body", msg.Body, l.env))
	return SendResult{Success: true, Provider: "log"}
}

// FailoverMessenger tries each messenger in order until one succeeds
type FailoverMessenger struct {
	messengers []Messenger
	logger     *slog.Logger
}

// NewFailoverMessenger creates a new FailoverMessenger
func NewFailoverMessenger(logger *slog.Logger, messengers ...Messenger) *FailoverMessenger {
	return &FailoverMessenger{messengers: messengers, logger: logger}
}

// Send returns the first successful result, or the joined errors of all attempts
func (f *FailoverMessenger) Send(ctx context.Context, msg Message) SendResult {
	var errs []error
	last := ""
	for _, m := range f.messengers {
		res := m.Send(ctx, msg)
		if res.Success {
			metrics.OTPDeliveries.WithLabelValues(res.Provider, "success").Inc()
			return res
		}
		metrics.OTPDeliveries.WithLabelValues(res.Provider, "failure").Inc()
		f.logger.Warn("message provider failed, trying next", slog.String("provider", res.Provider), slog.Any("error", res.Err))
		errs = append(errs, res.Err)
		last = res.Provider
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no message providers configured"))
	}
	return SendResult{Provider: last, Err: errors.Join(errs...)}
}
