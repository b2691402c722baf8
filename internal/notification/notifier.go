package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeyg42/capturer/internal/report"
)

// ReportNotifier delivers a finished report to its recipients.
type ReportNotifier interface {
	Send(ctx context.Context, d Delivery) error
	// Method names the transport ("smtp", "gmail", "disabled").
	Method() string
	Close() error
}

// Delivery is one report send request.
type Delivery struct {
	Report     *report.Report
	Recipients []string
	Format     report.Format
	// Period is "daily" or "weekly"; empty for on-demand sends.
	Period string
	// AttachmentPath is the exported report file; empty sends the summary only.
	AttachmentPath string
}

func (d Delivery) validate() error {
	if d.Report == nil {
		return errors.New("delivery has no report")
	}
	if len(d.Recipients) == 0 {
		return errors.New("delivery has no recipients")
	}
	return nil
}

// SendError is a failed delivery. Retryable errors are worth another attempt.
type SendError struct {
	Method    string
	Err       error
	Retryable bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: %v", e.Method, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable SendError.
func IsRetryable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retryable
}

// NoopNotifier accepts every delivery without sending anything. It backs the
// "disabled" email method so reports are still exported and recorded.
type NoopNotifier struct{}

func (NoopNotifier) Send(ctx context.Context, d Delivery) error { return ctx.Err() }
func (NoopNotifier) Method() string                             { return "disabled" }
func (NoopNotifier) Close() error                               { return nil }
