// helpers that map the main config onto storage-package types, so the
// storage layer does not depend on config.
package config

import (
	"github.com/mikeyg42/capturer/internal/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types
func CreateStorageConfigs(cfg *Config) (storage.MinIOConfig, storage.HistoryConfig) {
	a := cfg.Storage.Archive
	minioCfg := storage.MinIOConfig{
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
		UseSSL:          a.UseSSL,
		Bucket:          a.Bucket,
		Region:          a.Region,
		Prefix:          a.Prefix,
		ConnectTimeout:  a.ConnectTimeout,
		MaxRetries:      a.MaxRetries,
	}

	historyCfg := storage.HistoryConfig{
		Driver: cfg.Storage.History.Driver,
		DSN:    cfg.Storage.History.DSN,
	}

	return minioCfg, historyCfg
}
