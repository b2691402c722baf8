package config

import (
	"fmt"

	"github.com/mikeyg42/capturer/internal/crypto"
)

// secretFields lists every config value that may be sealed.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"email.smtp.password":               &c.Email.SMTP.Password,
		"email.gmail.client_secret":         &c.Email.Gmail.ClientSecret,
		"storage.archive.secret_access_key": &c.Storage.Archive.SecretAccessKey,
		"storage.history.dsn":               &c.Storage.History.DSN,
	}
}

// HasSealedSecrets reports whether any secret field is sealed.
func (c *Config) HasSealedSecrets() bool {
	for _, p := range c.secretFields() {
		if crypto.IsSealed(*p) {
			return true
		}
	}
	return false
}

// OpenSecrets decrypts sealed secret fields in place. Plain values are left alone.
func (c *Config) OpenSecrets(key []byte) error {
	for name, p := range c.secretFields() {
		if !crypto.IsSealed(*p) {
			continue
		}
		v, err := crypto.Open(*p, key)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		*p = v
	}
	return nil
}
