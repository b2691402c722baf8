package notification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mikeyg42/capturer/internal/crypto"
	"github.com/mikeyg42/capturer/internal/report"
	"github.com/mikeyg42/capturer/internal/tracker"
)

var fastRetry = RetryConfig{MaxRetries: 2, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func testReport() *report.Report {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	return report.Build([]tracker.Stats{
		{RegionName: "Desk", TotalComparisons: 10, ActivityCount: 3, CumulativeChangePercentage: 12, SessionStart: start},
		{RegionName: "Door", TotalComparisons: 10, ActivityCount: 1, CumulativeChangePercentage: 4, SessionStart: start},
	}, start, start.Add(9*time.Hour))
}

func testDelivery(t *testing.T) Delivery {
	t.Helper()
	path := filepath.Join(t.TempDir(), "activity-report.csv")
	require.NoError(t, os.WriteFile(path, []byte("region,total\nDesk,10\n"), 0o644))
	return Delivery{
		Report:         testReport(),
		Recipients:     []string{"ops@example.com", "lead@example.com"},
		Format:         report.FormatCSV,
		Period:         "daily",
		AttachmentPath: path,
	}
}

// parseMessage splits a built message into its parts keyed by content type.
func parseMessage(t *testing.T, raw []byte) (*mail.Message, map[string]*multipart.Part, map[string][]byte) {
	t.Helper()
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	parts := map[string]*multipart.Part{}
	bodies := map[string][]byte{}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		ct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		body, err := io.ReadAll(p)
		require.NoError(t, err)
		parts[ct] = p
		bodies[ct] = body
	}
	return msg, parts, bodies
}

func TestComposeAndBuildMessage(t *testing.T) {
	d := testDelivery(t)
	email, err := ComposeReportEmail(d, "capturer@example.com", "Office Monitor", "Office")
	require.NoError(t, err)

	assert.Equal(t, "Office daily activity report: 4 activities in 2 regions", email.Subject)
	assert.Contains(t, email.TextBody, "Busiest region: Desk")
	assert.Contains(t, email.HTMLBody, "activity-report.csv")
	require.Len(t, email.Attachments, 1)

	raw, err := BuildMIMEMessage(email)
	require.NoError(t, err)

	msg, parts, bodies := parseMessage(t, raw)
	assert.Equal(t, "ops@example.com, lead@example.com", msg.Header.Get("To"))
	assert.Equal(t, d.Report.ID, msg.Header.Get("X-Report-ID"))
	assert.Equal(t, "auto-generated", msg.Header.Get("Auto-Submitted"))

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, email.Subject, subject)

	require.Contains(t, parts, "multipart/alternative")
	require.Contains(t, parts, "text/csv")
	att := parts["text/csv"]
	assert.Equal(t, "activity-report.csv", att.FileName())

	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(bodies["text/csv"]), "\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, "region,total\nDesk,10\n", string(decoded))
}

func TestBuildMessageRequiresAddresses(t *testing.T) {
	_, err := BuildMIMEMessage(&ReportEmail{Subject: "x"})
	assert.Error(t, err)
}

func TestEmailDataPeriods(t *testing.T) {
	r := testReport()
	assert.Equal(t, "Weekly", NewReportEmailData(r, "", "weekly", report.FormatZIP, "").Period)
	assert.Equal(t, "On-demand", NewReportEmailData(r, "", "", report.FormatHTML, "").Period)
	assert.Equal(t, "Capturer", NewReportEmailData(r, "", "daily", report.FormatHTML, "").SystemName)
}

func TestSendWithRetry(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		err := SendWithRetry(context.Background(), fastRetry, func(context.Context) error {
			calls++
			if calls < 3 {
				return &SendError{Method: "test", Err: errors.New("busy"), Retryable: true}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := SendWithRetry(context.Background(), fastRetry, func(context.Context) error {
			calls++
			return &SendError{Method: "test", Err: errors.New("rejected")}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.False(t, IsRetryable(err))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := SendWithRetry(context.Background(), fastRetry, func(context.Context) error {
			calls++
			return &SendError{Method: "test", Err: errors.New("busy"), Retryable: true}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.True(t, IsRetryable(err))
	})
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func TestSMTPNotifierSend(t *testing.T) {
	var got []sentMail
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		got = append(got, sentMail{addr, from, to, msg})
		if len(got) == 1 {
			return &textproto.Error{Code: 421, Msg: "try again later"}
		}
		return nil
	}

	n, err := NewSMTPNotifier(SMTPConfig{
		Host:      "smtp.example.com",
		Username:  "user",
		Password:  "pass",
		FromEmail: "capturer@example.com",
		Retry:     fastRetry,
	}, send, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtp", n.Method())

	d := testDelivery(t)
	require.NoError(t, n.Send(context.Background(), d))
	require.Len(t, got, 2)
	assert.Equal(t, "smtp.example.com:587", got[1].addr)
	assert.Equal(t, "capturer@example.com", got[1].from)
	assert.Equal(t, d.Recipients, got[1].to)
	assert.Contains(t, string(got[1].msg), "X-Report-Id: "+d.Report.ID)
}

func TestSMTPNotifierPermanentFailure(t *testing.T) {
	calls := 0
	send := func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	n, err := NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", FromEmail: "a@example.com", Retry: fastRetry}, send, nil)
	require.NoError(t, err)

	err = n.Send(context.Background(), testDelivery(t))
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsRetryable(err))
}

func TestSMTPNotifierRejectsEmptyDelivery(t *testing.T) {
	n, err := NewSMTPNotifier(SMTPConfig{Host: "smtp.example.com", FromEmail: "a@example.com"}, func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("should not send")
		return nil
	}, nil)
	require.NoError(t, err)

	assert.Error(t, n.Send(context.Background(), Delivery{Report: testReport()}))
	assert.Error(t, n.Send(context.Background(), Delivery{Recipients: []string{"a@example.com"}}))

	_, err = NewSMTPNotifier(SMTPConfig{FromEmail: "a@example.com"}, nil, nil)
	assert.Error(t, err)
}

func newGmailServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32, *[]byte) {
	t.Helper()
	var calls atomic.Int32
	var last []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			http.NotFound(w, r)
			return
		}
		status := http.StatusOK
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"failure"}}`, status)
			return
		}
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last, _ = base64.RawURLEncoding.DecodeString(body.Raw)
		_, _ = io.WriteString(w, `{"id":"msg-1"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &last
}

func TestGmailNotifierSend(t *testing.T) {
	srv, calls, last := newGmailServer(t, http.StatusServiceUnavailable)

	n, err := NewGmailNotifier(context.Background(), GmailConfig{
		FromEmail:  "capturer@example.com",
		SystemName: "Office",
		Retry:      fastRetry,
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gmail", n.Method())

	d := testDelivery(t)
	require.NoError(t, n.Send(context.Background(), d))
	assert.Equal(t, int32(2), calls.Load(), "503 is retried")

	msg, _, _ := parseMessage(t, *last)
	assert.Equal(t, d.Report.ID, msg.Header.Get("X-Report-ID"))
	assert.Contains(t, msg.Header.Get("From"), "capturer@example.com")
}

func TestGmailNotifierBadRequestIsPermanent(t *testing.T) {
	srv, calls, _ := newGmailServer(t, http.StatusBadRequest, http.StatusBadRequest, http.StatusBadRequest)

	n, err := NewGmailNotifier(context.Background(), GmailConfig{
		Retry:      fastRetry,
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
	}, nil)
	require.NoError(t, err)

	err = n.Send(context.Background(), testDelivery(t))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewGmailNotifierWithoutToken(t *testing.T) {
	_, err := NewGmailNotifier(context.Background(), GmailConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenPath:    filepath.Join(t.TempDir(), "missing.json"),
	}, nil)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour).Round(time.Second)}

	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		require.NoError(t, SaveToken(path, tok, nil))
		got, err := LoadToken(path, nil)
		require.NoError(t, err)
		assert.Equal(t, tok.RefreshToken, got.RefreshToken)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("sealed", func(t *testing.T) {
		key := make([]byte, 32)
		path := filepath.Join(t.TempDir(), "nested", "token.json")
		require.NoError(t, SaveToken(path, tok, key))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, crypto.IsSealed(string(raw)))
		assert.NotContains(t, string(raw), "refresh")

		got, err := LoadToken(path, key)
		require.NoError(t, err)
		assert.Equal(t, tok.AccessToken, got.AccessToken)

		_, err = LoadToken(path, nil)
		assert.ErrorIs(t, err, crypto.ErrNoMasterKey)
	})
}

func TestOAuthCallbackHandler(t *testing.T) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	h := oauthCallbackHandler("/oauth2/callback", "state-1", codeCh, errCh)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth2/callback?state=wrong&code=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Error(t, <-errCh)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth2/callback?state=state-1&code=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", <-codeCh)
}

func TestNoopNotifier(t *testing.T) {
	var n ReportNotifier = NoopNotifier{}
	assert.Equal(t, "disabled", n.Method())
	assert.NoError(t, n.Send(context.Background(), Delivery{}))
	assert.NoError(t, n.Close())
}
