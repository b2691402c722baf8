// gmail_notifier.go
package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikeyg42/capturer/internal/crypto"
	"github.com/mikeyg42/capturer/internal/monitorlog"
)

const (
	defaultOAuthTimeout = 5 * time.Minute
	defaultSendTimeout  = 30 * time.Second

	defaultCallbackPath = "/oauth2/callback"
	defaultCallbackPort = "8787"

	// owner read/write only
	tokenFilePerms = 0o600
)

// ErrNoToken means no stored Gmail token exists; run the auth command first.
var ErrNoToken = errors.New("no Gmail token stored; run `capturer gmail auth`")

// GmailConfig holds configuration for Gmail OAuth2 sending
type GmailConfig struct {
	// Desktop app OAuth client from Google Cloud Console
	ClientID     string
	ClientSecret string

	RedirectURL string // defaults to http://127.0.0.1:8787/oauth2/callback
	TokenPath   string

	// TokenKey seals the token file when set.
	TokenKey []byte

	FromEmail  string // empty uses the authenticated account
	FromName   string
	SystemName string

	Retry RetryConfig

	// Endpoint and HTTPClient replace the Gmail API base URL and transport.
	// When HTTPClient is set no token is loaded.
	Endpoint   string
	HTTPClient *http.Client
}

func (c *GmailConfig) oauthConfig() *oauth2.Config {
	redirect := c.RedirectURL
	if redirect == "" {
		redirect = fmt.Sprintf("http://127.0.0.1:%s%s", defaultCallbackPort, defaultCallbackPath)
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       []string{gmail.GmailSendScope}, // send-only
	}
}

// GmailNotifier sends report emails through the Gmail API.
type GmailNotifier struct {
	cfg    GmailConfig
	svc    *gmail.Service
	logger monitorlog.Logger
}

var _ ReportNotifier = (*GmailNotifier)(nil)

// NewGmailNotifier builds the Gmail client from the stored token. It never
// starts the interactive flow; see Authorize.
func NewGmailNotifier(ctx context.Context, cfg GmailConfig, logger monitorlog.Logger) (*GmailNotifier, error) {
	if logger == nil {
		logger = monitorlog.Nop()
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("Gmail OAuth2 client_id/client_secret are required")
		}
		token, err := LoadToken(cfg.TokenPath, cfg.TokenKey)
		if err != nil {
			return nil, err
		}
		if token.AccessToken == "" && token.RefreshToken == "" {
			return nil, fmt.Errorf("invalid token: missing access and refresh tokens")
		}
		httpClient := cfg.oauthConfig().Client(ctx, token)
		httpClient.Timeout = defaultSendTimeout
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}

	return &GmailNotifier{
		cfg:    cfg,
		svc:    svc,
		logger: logger.Named("gmail"),
	}, nil
}

func (n *GmailNotifier) Method() string { return "gmail" }

// Send composes the report email and posts it, retrying transient API errors.
func (n *GmailNotifier) Send(ctx context.Context, d Delivery) error {
	if err := d.validate(); err != nil {
		return &SendError{Method: n.Method(), Err: err}
	}
	email, err := ComposeReportEmail(d, n.fromAddr(), n.cfg.FromName, n.cfg.SystemName)
	if err != nil {
		return &SendError{Method: n.Method(), Err: err}
	}
	raw, err := BuildMIMEMessage(email)
	if err != nil {
		return &SendError{Method: n.Method(), Err: fmt.Errorf("failed to build MIME message: %w", err)}
	}

	err = SendWithRetry(ctx, n.cfg.Retry, func(ctx context.Context) error {
		return n.sendRaw(ctx, raw)
	})
	if err != nil {
		return err
	}
	n.logger.Info("report sent",
		monitorlog.String("report_id", d.Report.ID),
		monitorlog.Int("recipients", len(d.Recipients)))
	return nil
}

// Close is a no-op; the HTTP client holds no resources of its own.
func (n *GmailNotifier) Close() error {
	return nil
}

// fromAddr falls back to "me", which Gmail resolves to the authenticated account.
func (n *GmailNotifier) fromAddr() string {
	if addr := strings.TrimSpace(n.cfg.FromEmail); addr != "" {
		return addr
	}
	return "me"
}

// sendRaw sends raw email message via Gmail API
func (n *GmailNotifier) sendRaw(ctx context.Context, raw []byte) error {
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	_, err := n.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: encoded,
	}).Context(ctx).Do()
	if err != nil {
		return &SendError{Method: n.Method(), Err: err, Retryable: gmailRetryable(err)}
	}
	return nil
}

// gmailRetryable treats rate limiting, server errors and network failures as
// transient.
func gmailRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// --- Token storage ---

// LoadToken reads the token file, opening it with key when it is sealed.
func LoadToken(path string, key []byte) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	data := strings.TrimSpace(string(raw))
	if crypto.IsSealed(data) {
		if key == nil {
			return nil, fmt.Errorf("token file is sealed: %w", crypto.ErrNoMasterKey)
		}
		data, err = crypto.Open(data, key)
		if err != nil {
			return nil, fmt.Errorf("failed to open token: %w", err)
		}
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &tok, nil
}

// SaveToken writes the token file, sealing it when key is set.
func SaveToken(path string, token *oauth2.Token, key []byte) error {
	plain, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	data := string(plain)
	if key != nil {
		if data, err = crypto.Seal(data, key); err != nil {
			return fmt.Errorf("failed to seal token: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(data), tokenFilePerms); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// --- OAuth interactive flow ---

// Authorize runs the browser consent flow and stores the resulting token.
// Prompts are written to out.
func Authorize(ctx context.Context, cfg GmailConfig, out io.Writer) error {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return fmt.Errorf("Gmail OAuth2 client_id/client_secret are required")
	}
	tok, err := runInteractiveOAuth(ctx, cfg.oauthConfig(), out)
	if err != nil {
		return fmt.Errorf("failed OAuth2 flow: %w", err)
	}
	return SaveToken(cfg.TokenPath, tok, cfg.TokenKey)
}

func runInteractiveOAuth(ctx context.Context, cfg *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	parsedURL, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	listener, err := net.Listen("tcp", parsedURL.Host)
	if err != nil {
		// configured port busy; fall back to a random one
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to bind OAuth callback listener: %w", err)
		}
		parsedURL.Host = listener.Addr().String()
		cfg.RedirectURL = parsedURL.String()
	}
	defer listener.Close()

	state, err := generateSecureState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	_ = openBrowser(authURL)

	fmt.Fprintf(out, "\n=== Gmail OAuth Setup ===\n")
	fmt.Fprintf(out, "Please visit this URL to authorize Capturer:\n\n%s\n\n", authURL)
	fmt.Fprintf(out, "Waiting for authorization...\n")

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{
		Handler:      oauthCallbackHandler(parsedURL.Path, state, codeCh, errCh),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(listener) }()

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultOAuthTimeout)
	defer cancel()

	var code string
	select {
	case <-timeoutCtx.Done():
		srv.Close()
		return nil, fmt.Errorf("OAuth authorization timeout")
	case err := <-errCh:
		srv.Close()
		return nil, err
	case code = <-codeCh:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	fmt.Fprintf(out, "\n=== Authorization Complete ===\n\n")
	return tok, nil
}

// oauthCallbackHandler validates the redirect and hands the code over.
func oauthCallbackHandler(path, state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	if path == "" {
		path = defaultCallbackPath
	}
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		// CSRF
		if r.FormValue("state") != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			fail(fmt.Errorf("OAuth state mismatch"))
			return
		}
		if errMsg := r.FormValue("error"); errMsg != "" {
			http.Error(w, "Authorization failed: "+errMsg, http.StatusBadRequest)
			fail(fmt.Errorf("OAuth provider error: %s", errMsg))
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			fail(fmt.Errorf("missing OAuth authorization code"))
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<h1>Authorization Successful!</h1>
			<p>You can close this window and return to Capturer.</p>
			<script>window.close();</script>
		</body></html>`)

		select {
		case codeCh <- code:
		default:
		}
	})
}

func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// openBrowser is best-effort; the URL is always printed as well.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
