package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"

	"github.com/mikeyg42/capturer/internal/monitorlog"
)

// SMTPConfig configures plain SMTP submission.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	FromEmail  string
	FromName   string
	SystemName string

	Retry RetryConfig
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier submits report emails to an SMTP server. net/smtp negotiates
// STARTTLS when the server offers it.
type SMTPNotifier struct {
	cfg      SMTPConfig
	sendMail SendMailFunc
	logger   monitorlog.Logger
}

var _ ReportNotifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier validates cfg. A nil send uses smtp.SendMail.
func NewSMTPNotifier(cfg SMTPConfig, send SendMailFunc, logger monitorlog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("smtp from_email is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if send == nil {
		send = smtp.SendMail
	}
	if logger == nil {
		logger = monitorlog.Nop()
	}
	return &SMTPNotifier{cfg: cfg, sendMail: send, logger: logger.Named("smtp")}, nil
}

func (n *SMTPNotifier) Method() string { return "smtp" }

func (n *SMTPNotifier) addr() string {
	return net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
}

func (n *SMTPNotifier) auth() smtp.Auth {
	if n.cfg.Username == "" {
		return nil
	}
	return smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
}

// Send composes the report email and submits it to every recipient.
func (n *SMTPNotifier) Send(ctx context.Context, d Delivery) error {
	if err := d.validate(); err != nil {
		return &SendError{Method: n.Method(), Err: err}
	}
	email, err := ComposeReportEmail(d, n.cfg.FromEmail, n.cfg.FromName, n.cfg.SystemName)
	if err != nil {
		return &SendError{Method: n.Method(), Err: err}
	}
	msg, err := BuildMIMEMessage(email)
	if err != nil {
		return &SendError{Method: n.Method(), Err: fmt.Errorf("failed to build MIME message: %w", err)}
	}

	attempt := 0
	err = SendWithRetry(ctx, n.cfg.Retry, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return &SendError{Method: n.Method(), Err: err}
		}
		attempt++
		if err := n.sendMail(n.addr(), n.auth(), n.cfg.FromEmail, d.Recipients, msg); err != nil {
			n.logger.Warn("smtp submission failed",
				monitorlog.Int("attempt", attempt),
				monitorlog.Error(err))
			return &SendError{Method: n.Method(), Err: err, Retryable: smtpRetryable(err)}
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.logger.Info("report sent",
		monitorlog.String("report_id", d.Report.ID),
		monitorlog.Int("recipients", len(d.Recipients)))
	return nil
}

func (n *SMTPNotifier) Close() error { return nil }

// smtpRetryable treats 4xx replies and network errors as transient; 5xx
// replies are permanent.
func smtpRetryable(err error) bool {
	var perr *textproto.Error
	if errors.As(err, &perr) {
		return perr.Code >= 400 && perr.Code < 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
