package validate

import (
	"fmt"
	"image"
	"net"
	"net/mail"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/mikeyg42/capturer/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Err folds the collected messages into one error, or nil.
func (v *Validator) Err(what string) error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s:\n%s", what, strings.Join(v.errors, "\n"))
}

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateCaptureConfig(v, &cfg.Capture)
	validateRegions(v, cfg.Regions)
	validateScheduleConfig(v, &cfg.Schedule)
	validateEmailConfig(v, &cfg.Email)
	validateReportsConfig(v, &cfg.Reports)
	validateStorageConfig(v, &cfg.Storage)
	validateAPIConfig(v, &cfg.API)
	validateLogConfig(v, &cfg.Log)

	return v.Err("configuration validation failed")
}

// RegionBounds checks every enabled region against the capture frame. It runs
// once when the region set is loaded, not per tick.
func RegionBounds(regions []config.RegionConfig, frame image.Rectangle) error {
	v := &Validator{}
	size := image.Rect(0, 0, frame.Dx(), frame.Dy())
	for _, r := range regions {
		if !r.Enabled {
			continue
		}
		rect := r.Rect()
		if rect.Empty() || !rect.In(size) {
			v.AddError("region %q bounds %v do not fit the %dx%d frame", r.Name, rect, size.Dx(), size.Dy())
		}
	}
	return v.Err("region bounds invalid")
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateCaptureConfig(v *Validator, cfg *config.CaptureConfig) {
	if cfg.Display < -1 {
		v.AddError("capture display must be -1 (primary) or a display index, got %d", cfg.Display)
	}
	if cfg.MaxParallel < 1 || cfg.MaxParallel > 64 {
		v.AddError("capture max_parallel must be 1..64, got %d", cfg.MaxParallel)
	}
}

func validateRegions(v *Validator, regions []config.RegionConfig) {
	if len(regions) == 0 {
		v.AddError("at least one region must be configured")
		return
	}
	seen := make(map[string]bool, len(regions))
	for i, r := range regions {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			v.AddError("region %d has no name", i)
			continue
		}
		if seen[name] {
			v.AddError("duplicate region name %q", name)
		}
		seen[name] = true
		if r.X < 0 || r.Y < 0 {
			v.AddError("region %q origin must not be negative (%d,%d)", name, r.X, r.Y)
		}
		if r.Width <= 0 || r.Height <= 0 {
			v.AddError("region %q must have positive size, got %dx%d", name, r.Width, r.Height)
		}
	}
}

func validateScheduleConfig(v *Validator, cfg *config.ScheduleConfig) {
	if cfg.MonitoringIntervalSeconds < 1 {
		v.AddError("monitoring interval must be at least 1 second")
	} else if cfg.MonitoringIntervalSeconds > 24*60*60 {
		v.AddError("monitoring interval too long (max 1 day)")
	}
	if cfg.ActivityThresholdPercent < 0 || cfg.ActivityThresholdPercent > 100 {
		v.AddError("activity threshold must be 0..100 percent, got %g", cfg.ActivityThresholdPercent)
	}
	if cfg.IsDaily && len(cfg.DeliveryDays) == 0 {
		v.AddError("daily delivery needs at least one delivery day")
	}
	if cfg.EmailTime.Hour < 0 || cfg.EmailTime.Hour > 23 || cfg.EmailTime.Minute < 0 || cfg.EmailTime.Minute > 59 {
		v.AddError("invalid email time %s", cfg.EmailTime)
	}
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 20 {
		v.AddError("max attempts must be 1..20, got %d", cfg.MaxAttempts)
	}
	if _, err := cron.ParseStandard(cfg.CheckSpec); err != nil {
		v.AddError("invalid check spec %q: %v", cfg.CheckSpec, err)
	}
}

func validateEmailConfig(v *Validator, cfg *config.EmailConfig) {
	switch cfg.Method {
	case "disabled", "":
		return
	case "smtp":
		validateSMTPConfig(v, &cfg.SMTP)
	case "gmail":
		validateGmailConfig(v, &cfg.Gmail)
	default:
		v.AddError("invalid email method: %s (must be 'smtp', 'gmail', or 'disabled')", cfg.Method)
		return
	}

	if len(cfg.Recipients) == 0 {
		v.AddError("at least one recipient is required when email is enabled")
	}
	for _, r := range cfg.Recipients {
		if !isValidEmail(r) {
			v.AddError("invalid recipient email: %s", r)
		}
	}
	if cfg.FromEmail == "" {
		v.AddError("from email is required when email is enabled")
	} else if !isValidEmail(cfg.FromEmail) {
		v.AddError("invalid from email: %s", cfg.FromEmail)
	}
	if cfg.SendRetries < 0 || cfg.SendRetries > 10 {
		v.AddError("send retries must be 0..10, got %d", cfg.SendRetries)
	}
}

func validateSMTPConfig(v *Validator, cfg *config.SMTPConfig) {
	if cfg.Host == "" {
		v.AddError("SMTP host is required")
	} else if net.ParseIP(cfg.Host) == nil && !isValidHostname(cfg.Host) {
		v.AddError("invalid SMTP host: %s", cfg.Host)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.AddError("invalid SMTP port: %d", cfg.Port)
	}
	if cfg.Username != "" && cfg.Password == "" {
		v.AddError("SMTP password is required when a username is set")
	}
}

func validateGmailConfig(v *Validator, cfg *config.GmailConfig) {
	if cfg.ClientID == "" {
		v.AddError("Gmail OAuth2 client ID is required")
	}
	if cfg.ClientSecret == "" {
		v.AddError("Gmail OAuth2 client secret is required")
	}
	if cfg.TokenPath == "" || !isValidFilePath(cfg.TokenPath) {
		v.AddError("invalid Gmail token path: %q", cfg.TokenPath)
	}
}

func validateReportsConfig(v *Validator, cfg *config.ReportsConfig) {
	if !isValidDirectoryPath(cfg.OutputDir) {
		v.AddError("invalid reports output dir: %q", cfg.OutputDir)
	}
}

func validateStorageConfig(v *Validator, cfg *config.StorageConfig) {
	if a := cfg.Archive; a.Enabled {
		if a.Endpoint == "" {
			v.AddError("storage.archive.endpoint is required when the archive is enabled")
		}
		if a.Bucket == "" {
			v.AddError("storage.archive.bucket is required when the archive is enabled")
		}
		if a.MaxRetries < 0 {
			v.AddError("storage.archive.max_retries must not be negative")
		}
	}
	if h := cfg.History; h.Enabled {
		switch strings.ToLower(h.Driver) {
		case "sqlite", "sqlite3", "postgres", "postgresql":
		default:
			v.AddError("invalid history driver: %s (must be 'sqlite' or 'postgres')", h.Driver)
		}
		if h.DSN == "" {
			v.AddError("storage.history.dsn is required when history is enabled")
		}
	}
}

func validateAPIConfig(v *Validator, cfg *config.APIConfig) {
	if !cfg.Enabled {
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("API listen address must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in API listen address: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in API listen address: %s", portStr)
	}
	if cfg.ControlRatePerMinute < 1 {
		v.AddError("API control rate must be positive")
	}
}

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		v.AddError("invalid log level: %s", cfg.Level)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}
