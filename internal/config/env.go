package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("MAILCORE_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("MAILCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAILCORE_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("MAILCORE_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("MAILCORE_MAILDIR_PATH"); v != "" {
		cfg.Storage.MaildirPath = v
	}
	if v := os.Getenv("MAILCORE_AUTH_DB_PATH"); v != "" {
		cfg.Storage.AuthDBPath = v
	}
	if v := os.Getenv("MAILCORE_QUEUE_DB_PATH"); v != "" {
		cfg.Queue.DatabasePath = v
	}
	if v := os.Getenv("MAILCORE_IMAP_ENABLED"); v != "" {
		cfg.Imap.Enabled = v == "true" || v == "1"
	}

	// Apply the configured spam checker's credentials, creating the single
	// checker slot if the TOML config didn't define one.
	if v := os.Getenv("MAILCORE_SPAMCHECK_URL"); v != "" {
		applyCheckerURL(&cfg, v)
	}
	if v := os.Getenv("MAILCORE_SPAMCHECK_PASSWORD"); v != "" {
		applyCheckerPassword(&cfg, v)
	}

	return cfg
}

// applyCheckerURL sets the URL on the configured spam checker, defaulting
// its type to rspamd if none was configured yet.
func applyCheckerURL(cfg *Config, url string) {
	if cfg.SpamCheck.Checker.Type == "" {
		cfg.SpamCheck.Checker.Type = "rspamd"
	}
	cfg.SpamCheck.Checker.URL = url
	cfg.SpamCheck.Enabled = true
}

// applyCheckerPassword sets the password on the configured spam checker,
// defaulting its type to rspamd if none was configured yet.
func applyCheckerPassword(cfg *Config, password string) {
	if cfg.SpamCheck.Checker.Type == "" {
		cfg.SpamCheck.Checker.Type = "rspamd"
	}
	cfg.SpamCheck.Checker.Password = password
	cfg.SpamCheck.Enabled = true
}
