// Command mailcore-imapd serves the IMAP4rev1 mailbox protocol against the
// same Maildir tree and auth store mailcore-smtpd writes to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailcore/internal/auth"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/imap"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/maildir"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/server"
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

	if !cfg.Imap.Enabled {
		fmt.Fprintln(os.Stderr, "imap.enabled is false; nothing to do")
		os.Exit(1)
	}
	if len(cfg.Imap.Listeners) == 0 {
		fmt.Fprintln(os.Stderr, "imap.listeners is empty; nothing to do")
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

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

	maildirStore, err := maildir.NewStore(cfg.Storage.MaildirPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening maildir store: %v\n", err)
		os.Exit(1)
	}

	handler := imap.NewHandler(imap.HandlerConfig{
		Hostname:      cfg.Hostname,
		Authenticator: authStore,
		Store:         maildirStore,
		IdleTimeout:   cfg.Imap.IdleTimeoutDuration(),
		Metrics:       collector,
	})

	// internal/server.Server.Run only drives cfg.Listeners, so the IMAP
	// daemon runs its own Server against a copy of cfg with Listeners
	// swapped for the imap.listeners block; TLS and timeouts still come
	// from the shared config.
	imapCfg := cfg
	imapCfg.Listeners = cfg.Imap.Listeners

	srv, err := server.New(&imapCfg)
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

	go func() {
		if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("starting mailcore-imapd", "hostname", cfg.Hostname, "listeners", len(imapCfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
