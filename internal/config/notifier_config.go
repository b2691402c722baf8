package config

import (
	"github.com/mikeyg42/capturer/internal/notification"
)

// CreateNotifierConfigs maps the email section to notification-package types.
// tokenKey seals the Gmail token file and may be nil.
func CreateNotifierConfigs(cfg *Config, tokenKey []byte) (notification.SMTPConfig, notification.GmailConfig) {
	e := cfg.Email
	retry := notification.RetryConfig{
		MaxRetries: e.SendRetries,
		Delay:      e.SendRetryDelay,
		MaxDelay:   4 * e.SendRetryDelay,
	}

	smtpCfg := notification.SMTPConfig{
		Host:       e.SMTP.Host,
		Port:       e.SMTP.Port,
		Username:   e.SMTP.Username,
		Password:   e.SMTP.Password,
		FromEmail:  e.FromEmail,
		FromName:   e.FromName,
		SystemName: cfg.Reports.SystemName,
		Retry:      retry,
	}

	tokenPath := e.Gmail.TokenPath
	if tokenPath == "" {
		tokenPath = DefaultTokenPath()
	}
	gmailCfg := notification.GmailConfig{
		ClientID:     e.Gmail.ClientID,
		ClientSecret: e.Gmail.ClientSecret,
		TokenPath:    tokenPath,
		TokenKey:     tokenKey,
		FromEmail:    e.FromEmail,
		FromName:     e.FromName,
		SystemName:   cfg.Reports.SystemName,
		Retry:        retry,
	}

	return smtpCfg, gmailCfg
}
