// Command mailcore-smtpd receives mail over SMTP, delivering local
// recipients to Maildir and handing remote recipients to the outbound
// queue for asynchronous delivery.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infodancer/mailcore/internal/auth"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/maildir"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/oauth"
	"github.com/infodancer/mailcore/internal/queue"
	"github.com/infodancer/mailcore/internal/ratelimit"
	"github.com/infodancer/mailcore/internal/rspamd"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/smtp"
	"github.com/infodancer/mailcore/internal/spamcheck"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled, Address: cfg.Metrics.Address, Path: cfg.Metrics.Path,
	})

	authStore, err := auth.NewStore(cfg.Storage.AuthDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening auth store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := authStore.Close(); err != nil {
			logger.Error("error closing auth store", "error", err)
		}
	}()

	var oauthAgent *oauth.JWTAgent
	if cfg.Auth.OAuth.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		oauthAgent, err = oauth.NewJWTAgent(ctx, oauth.JWTAgentConfig{
			JWKSURL:         cfg.Auth.OAuth.JWKSURL,
			Issuer:          cfg.Auth.OAuth.Issuer,
			Audience:        cfg.Auth.OAuth.Audience,
			UsernameClaim:   cfg.Auth.OAuth.GetUsernameClaim(),
			RefreshInterval: cfg.Auth.OAuth.GetJWKSRefreshInterval(),
			AllowedDomains:  cfg.Auth.OAuth.AllowedDomains,
			Logger:          logger,
		})
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating OAuth agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := oauthAgent.Close(); err != nil {
				logger.Error("error closing OAuth agent", "error", err)
			}
		}()
		logger.Info("OAUTHBEARER enabled", "jwks_url", cfg.Auth.OAuth.JWKSURL)
	}

	maildirStore, err := maildir.NewStore(cfg.Storage.MaildirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening maildir store: %v\n", err)
		os.Exit(1)
	}

	spamChecker, spamConfig := createSpamChecker(cfg, logger)
	if spamChecker != nil {
		defer func() {
			if err := spamChecker.Close(); err != nil {
				logger.Error("error closing spam checker", "error", err)
			}
		}()
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Addr:        cfg.RateLimit.RedisAddr,
			Password:    cfg.RateLimit.RedisPassword,
			DB:          cfg.RateLimit.RedisDB,
			MaxFailures: cfg.RateLimit.MaxFailures,
			Window:      cfg.RateLimit.WindowOrDefault(),
		})
		defer func() {
			if err := limiter.Close(); err != nil {
				logger.Error("error closing rate limiter", "error", err)
			}
		}()
		logger.Info("auth rate limiting enabled", "redis_addr", cfg.RateLimit.RedisAddr)
	}

	queueStore, err := queue.NewStore(cfg.Queue.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening queue store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := queueStore.Close(); err != nil {
			logger.Error("error closing queue store", "error", err)
		}
	}()

	worker := queue.NewWorker(queue.WorkerConfig{
		Store:        queueStore,
		Queue:        cfg.Queue,
		Logger:       logger,
		Metrics:      collector,
		ClientHost:   cfg.Hostname,
		LocalDomains: cfg.Storage.LocalDomains,
		LocalStore:   maildirStore,
	})

	var authAgent smtp.Authenticator = authStore
	var oauthVerifier smtp.OAuthVerifier
	if oauthAgent != nil {
		oauthVerifier = oauthAgent
	}

	handler := smtp.NewHandler(smtp.HandlerConfig{
		Hostname:       cfg.Hostname,
		Authenticator:  authAgent,
		OAuthAgent:     oauthVerifier,
		TLSConfig:      tlsConfig,
		LocalDomains:   cfg.Storage.LocalDomains,
		LocalStore:     maildirStore,
		Queue:          queueStore,
		PreStoreHook:   spamChecker,
		SpamConfig:     spamConfig,
		RateLimiter:    limiter,
		Metrics:        collector,
		MaxMessageSize: int64(cfg.Limits.MaxMessageSize),
	})

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}
	srv.SetHandler(handler.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	go worker.Run(ctx)

	go func() {
		if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("starting mailcore-smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// createSpamChecker builds the single pre-store hook backend from
// cfg.SpamCheck.Checker. Aggregating several backends behind one hook is
// out of scope for this module; an operator who needs that runs a
// proxy in front of the one configured checker.
func createSpamChecker(cfg config.Config, logger *slog.Logger) (spamcheck.Checker, spamcheck.Config) {
	if !cfg.SpamCheck.IsEnabled() {
		return nil, spamcheck.Config{}
	}

	checkerCfg := cfg.SpamCheck.Checker
	spamConfig := spamcheck.Config{
		FailMode:          spamcheck.FailMode(cfg.SpamCheck.GetFailMode()),
		RejectThreshold:   cfg.SpamCheck.RejectThreshold,
		TempFailThreshold: cfg.SpamCheck.TempFailThreshold,
		AddHeaders:        cfg.SpamCheck.AddHeaders,
	}

	var checker spamcheck.Checker
	switch checkerCfg.Type {
	case "rspamd":
		checker = rspamd.NewChecker(checkerCfg.URL, checkerCfg.Password, checkerCfg.GetTimeout(), logger)
	default:
		logger.Warn("unknown spam checker type, spam checking disabled", "type", checkerCfg.Type)
		return nil, spamcheck.Config{}
	}

	logger.Info("spam checking enabled",
		"checker", checkerCfg.Type,
		"fail_mode", spamConfig.FailMode,
		"reject_threshold", spamConfig.RejectThreshold)

	return checker, spamConfig
}
