// Package config provides configuration management for the SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is standard SMTP on port 25.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission on port 587.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS on port 465.
	ModeSmtps ListenerMode = "smtps"
	// ModeImap is standard IMAP on port 143 (STARTTLS-capable).
	ModeImap ListenerMode = "imap"
	// ModeImaps is implicit TLS IMAP on port 993.
	ModeImaps ListenerMode = "imaps"
	// ModeAlt is an alternative mode for custom configurations.
	ModeAlt ListenerMode = "alt"
)

// ImplicitTLS reports whether connections accepted on a listener in this
// mode must complete a TLS handshake before any protocol traffic.
func (m ListenerMode) ImplicitTLS() bool {
	return m == ModeSmtps || m == ModeImaps
}

// IsIMAP reports whether this mode belongs to the IMAP protocol family.
func (m ListenerMode) IsIMAP() bool {
	return m == ModeImap || m == ModeImaps
}

// FileConfig is the top-level wrapper for the shared configuration file.
// This allows smtpd, pop3d, and msgstore to share a single config file.
type FileConfig struct {
	Server    ServerConfig    `toml:"server"`
	Smtpd     Config          `toml:"smtpd"`
	SpamCheck SpamCheckConfig `toml:"spamcheck"`
}

// ServerConfig holds shared settings used by all mail services.
type ServerConfig struct {
	Hostname string         `toml:"hostname"`
	Delivery DeliveryConfig `toml:"delivery"`
	TLS      TLSConfig      `toml:"tls"`
}

// Config holds the complete SMTP server configuration.
type Config struct {
	Hostname    string           `toml:"hostname"`
	LogLevel    string           `toml:"log_level"`
	DomainsPath string           `toml:"domains_path"`
	Listeners   []ListenerConfig `toml:"listeners"`
	TLS         TLSConfig        `toml:"tls"`
	Limits      LimitsConfig     `toml:"limits"`
	Timeouts    TimeoutsConfig   `toml:"timeouts"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Delivery    DeliveryConfig   `toml:"delivery"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Auth        AuthConfig       `toml:"auth"`
	SpamCheck   SpamCheckConfig  `toml:"spamcheck"`
	Storage     StorageConfig    `toml:"storage"`
	Imap        ImapConfig       `toml:"imap"`
	Queue       QueueConfig      `toml:"queue"`
	RateLimit   RateLimitConfig  `toml:"ratelimit"`
}

// StorageConfig points at the Maildir tree and the SQLite databases used
// by the authenticator and outbound queue.
type StorageConfig struct {
	MaildirPath  string `toml:"maildir_path"`
	AuthDBPath   string `toml:"auth_db_path"`
	LocalDomains []string `toml:"local_domains"`
}

// ImapConfig holds settings specific to the IMAP server.
type ImapConfig struct {
	Enabled      bool             `toml:"enabled"`
	Listeners    []ListenerConfig `toml:"listeners"`
	IdleTimeout  string           `toml:"idle_timeout"`  // hard cap on an IDLE session, default 29m
	PollInterval string           `toml:"poll_interval"` // fallback watcher polling interval, default 100ms
}

// IdleTimeoutDuration returns the configured IDLE cap, defaulting to 29 minutes.
func (c *ImapConfig) IdleTimeoutDuration() time.Duration {
	if c.IdleTimeout == "" {
		return 29 * time.Minute
	}
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 29 * time.Minute
	}
	return d
}

// PollIntervalDuration returns the configured fallback watcher poll
// interval, defaulting to 100ms.
func (c *ImapConfig) PollIntervalDuration() time.Duration {
	if c.PollInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// QueueConfig holds settings for the outbound delivery queue and its
// background worker.
type QueueConfig struct {
	DatabasePath     string `toml:"database_path"`
	BatchSize        int    `toml:"batch_size"`
	RetryBaseSeconds int    `toml:"retry_base_seconds"`
	MaxRetries       int    `toml:"max_retries"`
	IdleSleep        string `toml:"idle_sleep"`  // sleep between polls when nothing was dispatched
	DrainSleep       string `toml:"drain_sleep"` // sleep between polls while draining a burst
}

// BatchSizeOrDefault returns the configured batch size, defaulting to 10.
func (c *QueueConfig) BatchSizeOrDefault() int {
	if c.BatchSize <= 0 {
		return 10
	}
	return c.BatchSize
}

// RetryBaseOrDefault returns RETRY_BASE as a time.Duration, defaulting to 120s.
func (c *QueueConfig) RetryBaseOrDefault() time.Duration {
	if c.RetryBaseSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// MaxRetriesOrDefault returns MAX_RETRIES, defaulting to 5.
func (c *QueueConfig) MaxRetriesOrDefault() int {
	if c.MaxRetries <= 0 {
		return 5
	}
	return c.MaxRetries
}

// IdleSleepOrDefault returns the idle poll interval, defaulting to 30s.
func (c *QueueConfig) IdleSleepOrDefault() time.Duration {
	if c.IdleSleep == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.IdleSleep)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// DrainSleepOrDefault returns the drain poll interval, defaulting to 5s.
func (c *QueueConfig) DrainSleepOrDefault() time.Duration {
	if c.DrainSleep == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.DrainSleep)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// RateLimitConfig holds settings for the Redis-backed auth failure limiter.
type RateLimitConfig struct {
	Enabled       bool   `toml:"enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	MaxFailures   int    `toml:"max_failures"`
	Window        string `toml:"window"`
}

// WindowOrDefault returns the failure-counting window, defaulting to 15 minutes.
func (c *RateLimitConfig) WindowOrDefault() time.Duration {
	if c.Window == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(c.Window)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// EncryptionConfig holds configuration for message encryption.
// When enabled, messages are encrypted for recipients that have keys configured.
type EncryptionConfig struct {
	// Enabled indicates whether message encryption is enabled.
	Enabled bool `toml:"enabled"`

	// KeyBackendType is the type of key provider (e.g., "passwd").
	KeyBackendType string `toml:"key_backend_type"`

	// KeyBackend is the path or connection string for key storage.
	// For passwd: path to key directory (e.g., "/etc/mail/keys")
	KeyBackend string `toml:"key_backend"`

	// CredentialBackend is the path for credential storage (needed by some key providers).
	// For passwd: path to passwd file (e.g., "/etc/mail/passwd")
	CredentialBackend string `toml:"credential_backend"`

	// Options contains implementation-specific settings.
	Options map[string]string `toml:"options"`
}

// IsEnabled returns true if encryption is enabled.
func (c *EncryptionConfig) IsEnabled() bool {
	return c.Enabled && c.KeyBackendType != ""
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DeliveryConfig holds configuration for message delivery.
// Uses the msgstore registry pattern for pluggable storage backends.
type DeliveryConfig struct {
	Type     string            `toml:"type"`      // Storage backend type (e.g., "maildir")
	BasePath string            `toml:"base_path"` // Base path for storage
	Options  map[string]string `toml:"options"`   // Backend-specific options
}

// AuthConfig holds configuration for SMTP authentication.
type AuthConfig struct {
	Enabled           bool              `toml:"enabled"`
	AgentType         string            `toml:"agent_type"`         // Auth agent type (e.g., "passwd")
	CredentialBackend string            `toml:"credential_backend"` // Path to credential store
	KeyBackend        string            `toml:"key_backend"`        // Path to key store
	Options           map[string]string `toml:"options"`            // Backend-specific options
	OAuth             OAuthConfig       `toml:"oauth"`              // OAuth/OAUTHBEARER configuration
}

// OAuthConfig holds configuration for OAuth 2.0 bearer token authentication (RFC 7628).
type OAuthConfig struct {
	// Enabled indicates whether OAUTHBEARER mechanism is available.
	Enabled bool `toml:"enabled"`

	// JWKSURL is the URL to fetch the JSON Web Key Set for token validation.
	// Example: "https://login.microsoftonline.com/common/discovery/v2.0/keys"
	JWKSURL string `toml:"jwks_url"`

	// Issuer is the expected "iss" claim in the JWT.
	// Example: "https://login.microsoftonline.com/{tenant}/v2.0"
	Issuer string `toml:"issuer"`

	// Audience is the expected "aud" claim in the JWT.
	// This is typically your application's client ID or API identifier.
	Audience string `toml:"audience"`

	// UsernameClaim specifies which JWT claim contains the username.
	// Common values: "email", "preferred_username", "sub", "upn"
	// Defaults to "email" if not specified.
	UsernameClaim string `toml:"username_claim"`

	// JWKSRefreshInterval is how often to refresh the JWKS (e.g., "1h").
	// Defaults to "1h" if not specified.
	JWKSRefreshInterval string `toml:"jwks_refresh_interval"`

	// AllowedDomains restricts which email domains can authenticate.
	// If empty, all domains are allowed.
	AllowedDomains []string `toml:"allowed_domains"`
}

// SpamCheckFailMode defines the behavior when spam checkers are unavailable or error.
type SpamCheckFailMode string

const (
	// SpamCheckFailOpen accepts the message when checkers are unavailable.
	SpamCheckFailOpen SpamCheckFailMode = "open"
	// SpamCheckFailTempFail returns a temporary failure (4xx) when checkers are unavailable.
	SpamCheckFailTempFail SpamCheckFailMode = "tempfail"
	// SpamCheckFailReject returns a permanent failure (5xx) when checkers are unavailable.
	SpamCheckFailReject SpamCheckFailMode = "reject"
)

// SpamCheckConfig holds configuration for the single pre-store filtering
// hook this module wires (internal/smtp.PreStoreHook). Aggregating several
// backends behind one hook is a policy decision this module leaves out of
// scope; operators who need that compose it outside mailcore, in front of
// the hook's single configured backend.
type SpamCheckConfig struct {
	// Enabled indicates whether spam checking is enabled.
	Enabled bool `toml:"enabled"`

	// Checker is the single spam checker backend to use.
	Checker SpamCheckerConfig `toml:"checker"`

	// FailMode determines behavior when the checker is unavailable.
	FailMode SpamCheckFailMode `toml:"fail_mode"`

	// RejectThreshold is the score at or above which messages are rejected (5xx).
	RejectThreshold float64 `toml:"reject_threshold"`

	// TempFailThreshold is the score at or above which messages get temp failure (4xx).
	TempFailThreshold float64 `toml:"tempfail_threshold"`

	// AddHeaders indicates whether to add spam headers to messages.
	AddHeaders bool `toml:"add_headers"`
}

// SpamCheckerConfig holds configuration for a single spam checker.
type SpamCheckerConfig struct {
	// Type selects the checker backend. Only "rspamd" is implemented.
	Type string `toml:"type"`

	// Enabled indicates whether this checker is enabled (default true).
	Enabled *bool `toml:"enabled"`

	// URL is the endpoint for HTTP-based checkers.
	URL string `toml:"url"`

	// Password is the optional password/secret for the checker.
	Password string `toml:"password"`

	// Timeout is the request timeout (e.g., "10s").
	Timeout string `toml:"timeout"`

	// Options contains checker-specific options.
	Options map[string]string `toml:"options"`
}

// IsEnabled returns true if spam checking is enabled and a checker backend is configured.
func (c *SpamCheckConfig) IsEnabled() bool {
	return c.Enabled && c.Checker.IsEnabled() && c.Checker.Type != ""
}

// GetFailMode returns the fail mode, defaulting to tempfail if not set.
func (c *SpamCheckConfig) GetFailMode() SpamCheckFailMode {
	switch c.FailMode {
	case SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
		return c.FailMode
	default:
		return SpamCheckFailTempFail
	}
}

// IsEnabled returns true if this checker is enabled.
func (c *SpamCheckerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true // default to enabled
	}
	return *c.Enabled
}

// GetTimeout returns the timeout as a time.Duration.
func (c *SpamCheckerConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsEnabled returns true if authentication is enabled.
func (c *AuthConfig) IsEnabled() bool {
	return c.Enabled && c.AgentType != ""
}

// IsEnabled returns true if OAuth authentication is enabled and properly configured.
func (c *OAuthConfig) IsEnabled() bool {
	return c.Enabled && c.JWKSURL != ""
}

// GetUsernameClaim returns the configured username claim, defaulting to "email".
func (c *OAuthConfig) GetUsernameClaim() string {
	if c.UsernameClaim == "" {
		return "email"
	}
	return c.UsernameClaim
}

// GetJWKSRefreshInterval returns the JWKS refresh interval as a time.Duration.
// Returns 1 hour if not configured or invalid.
func (c *OAuthConfig) GetJWKSRefreshInterval() time.Duration {
	if c.JWKSRefreshInterval == "" {
		return 1 * time.Hour
	}
	d, err := time.ParseDuration(c.JWKSRefreshInterval)
	if err != nil {
		return 1 * time.Hour
	}
	return d
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModeSmtp},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Storage: StorageConfig{
			MaildirPath: "/var/mail/mailcore",
			AuthDBPath:  "/var/lib/mailcore/auth.db",
		},
		Queue: QueueConfig{
			DatabasePath:     "/var/lib/mailcore/queue.db",
			BatchSize:        10,
			RetryBaseSeconds: 120,
			MaxRetries:       5,
			IdleSleep:        "30s",
			DrainSleep:       "5s",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}

	for i, l := range c.Imap.Listeners {
		if l.Address == "" {
			return fmt.Errorf("imap.listeners[%d]: address is required", i)
		}
		if !l.Mode.IsIMAP() {
			return fmt.Errorf("imap.listeners[%d]: mode %q is not an IMAP mode", i, l.Mode)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RedisAddr == "" {
		return errors.New("ratelimit.redis_addr is required when ratelimit is enabled")
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	// Validate encryption config
	if c.Encryption.Enabled {
		if c.Encryption.KeyBackendType == "" {
			return errors.New("encryption.key_backend_type is required when encryption is enabled")
		}
		if c.Encryption.KeyBackend == "" {
			return errors.New("encryption.key_backend is required when encryption is enabled")
		}
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.AgentType == "" {
			return errors.New("auth.agent_type is required when authentication is enabled")
		}
		if c.Auth.CredentialBackend == "" {
			return errors.New("auth.credential_backend is required when authentication is enabled")
		}
	}

	// Validate OAuth config
	if c.Auth.OAuth.Enabled {
		if c.Auth.OAuth.JWKSURL == "" {
			return errors.New("auth.oauth.jwks_url is required when OAuth is enabled")
		}
		if c.Auth.OAuth.Issuer == "" {
			return errors.New("auth.oauth.issuer is required when OAuth is enabled")
		}
		if c.Auth.OAuth.Audience == "" {
			return errors.New("auth.oauth.audience is required when OAuth is enabled")
		}
		if c.Auth.OAuth.JWKSRefreshInterval != "" {
			if _, err := time.ParseDuration(c.Auth.OAuth.JWKSRefreshInterval); err != nil {
				return fmt.Errorf("invalid auth.oauth.jwks_refresh_interval: %w", err)
			}
		}
	}

	// Validate spamcheck config
	if c.SpamCheck.Enabled {
		checker := c.SpamCheck.Checker
		if checker.Type == "" {
			return errors.New("spamcheck.checker.type is required when spamcheck is enabled")
		}
		if checker.Timeout != "" {
			if _, err := time.ParseDuration(checker.Timeout); err != nil {
				return fmt.Errorf("invalid spamcheck.checker.timeout: %w", err)
			}
		}
		if checker.Type == "rspamd" && checker.URL == "" {
			return errors.New("spamcheck.checker.url is required for rspamd")
		}
		switch c.SpamCheck.FailMode {
		case "", SpamCheckFailOpen, SpamCheckFailTempFail, SpamCheckFailReject:
			// valid
		default:
			return fmt.Errorf("invalid spamcheck.fail_mode %q (valid: open, tempfail, reject)", c.SpamCheck.FailMode)
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// CommandTimeout returns the command timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 1 * time.Minute
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 1 * time.Minute
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps, ModeImap, ModeImaps, ModeAlt:
		return true
	default:
		return false
	}
}
