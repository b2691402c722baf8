package config

import (
	"image"
	"time"
)

// Config holds all application configuration
type Config struct {
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`
	Regions  []RegionConfig `yaml:"regions" json:"regions"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
	Email    EmailConfig    `yaml:"email" json:"email"`
	Reports  ReportsConfig  `yaml:"reports" json:"reports"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	API      APIConfig      `yaml:"api" json:"api"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

type CaptureConfig struct {
	// Display index to capture; -1 selects the primary display.
	Display int `yaml:"display" json:"display"`
	// MaxParallel bounds concurrent region comparisons within one tick.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`
}

// RegionConfig is the persisted form of a monitored region.
type RegionConfig struct {
	Name    string `yaml:"name" json:"name"`
	X       int    `yaml:"x" json:"x"`
	Y       int    `yaml:"y" json:"y"`
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Rect returns the region rectangle.
func (r RegionConfig) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

type EmailConfig struct {
	// Method is one of "smtp", "gmail" or "disabled".
	Method     string      `yaml:"method" json:"method"`
	Recipients []string    `yaml:"recipients" json:"recipients"`
	FromEmail  string      `yaml:"from_email" json:"from_email"`
	FromName   string      `yaml:"from_name" json:"from_name"`
	SMTP       SMTPConfig  `yaml:"smtp" json:"smtp"`
	Gmail      GmailConfig `yaml:"gmail" json:"gmail"`

	// Per-attempt transport retries, on top of the dispatch policy's attempts.
	SendRetries    int           `yaml:"send_retries" json:"send_retries"`
	SendRetryDelay time.Duration `yaml:"send_retry_delay" json:"send_retry_delay"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	// Password may be sealed ("enc:" prefix), see Config.OpenSecrets.
	Password string `yaml:"password" json:"password"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	TokenPath    string `yaml:"token_path" json:"token_path"`
}

type ReportsConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// SystemName appears in report titles and email subjects.
	SystemName string `yaml:"system_name" json:"system_name"`
}

type StorageConfig struct {
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
	History HistoryConfig `yaml:"history" json:"history"`
}

// ArchiveConfig configures the optional S3/MinIO report archive.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// HistoryConfig configures the report/dispatch history database.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

type APIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// ControlRatePerMinute limits pause/resume/reset calls per client IP.
	ControlRatePerMinute int `yaml:"control_rate_per_minute" json:"control_rate_per_minute"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Capture: CaptureConfig{
			Display:     -1,
			MaxParallel: 4,
		},
		Schedule: ScheduleConfig{
			IsDaily:                   true,
			DeliveryDays:              Weekdays(),
			WeeklyDeliveryDay:         Weekday(time.Friday),
			EmailTime:                 TimeOfDay{Hour: 18},
			MonitoringIntervalSeconds: 30,
			ActivityThresholdPercent:  2,
			PixelTolerance:            10,
			CheckSpec:                 "@every 1m",
			MaxAttempts:               3,
		},
		Email: EmailConfig{
			Method:         "disabled",
			FromName:       "Capturer",
			SMTP:           SMTPConfig{Port: 587},
			SendRetries:    2,
			SendRetryDelay: 2 * time.Second,
		},
		Reports: ReportsConfig{
			OutputDir:  DefaultReportsDir(),
			SystemName: "Capturer",
		},
		Storage: StorageConfig{
			Archive: ArchiveConfig{
				Bucket:         "capturer-reports",
				Prefix:         "reports",
				MaxRetries:     3,
				ConnectTimeout: 30 * time.Second,
			},
			History: HistoryConfig{
				Enabled: true,
				Driver:  "sqlite",
				DSN:     DefaultHistoryPath(),
			},
		},
		API: APIConfig{
			Enabled:              true,
			ListenAddr:           "127.0.0.1:8089",
			ControlRatePerMinute: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
