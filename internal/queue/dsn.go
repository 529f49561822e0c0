package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/infodancer/mailcore/internal/validation"
)

// bounce synthesizes a delivery-status notification for a permanently
// failed entry and re-injects it addressed back to the original envelope
// sender: locally via Maildir if the sender's domain is one we serve,
// otherwise as a fresh queue entry. DSN generation never retries; any
// failure here is logged and dropped rather than propagated.
func (w *Worker) bounce(ctx context.Context, entry Entry, cause error) {
	if entry.From == "" {
		// Null sender (itself a bounce or DSN): do not bounce a bounce.
		return
	}

	local, domain, ok := validation.SplitAddress(entry.From)
	if !ok {
		w.cfg.Logger.Warn("cannot bounce: malformed envelope sender", slog.String("from", entry.From))
		return
	}

	msg := buildDSN(entry, cause, w.cfg.ClientHost)

	if validation.IsLocalDomain(domain, w.cfg.LocalDomains) {
		if w.cfg.LocalStore == nil {
			w.cfg.Logger.Warn("cannot deliver local DSN: no local store configured", slog.String("to", entry.From))
			return
		}
		if _, err := w.cfg.LocalStore.Store(local, msg); err != nil {
			w.cfg.Logger.Warn("failed to deliver local DSN", slog.String("to", entry.From), slog.String("error", err.Error()))
		}
		return
	}

	mailerDaemon := "MAILER-DAEMON@" + w.cfg.ClientHost
	if _, err := w.cfg.Store.Enqueue(ctx, mailerDaemon, entry.From, msg); err != nil {
		w.cfg.Logger.Warn("failed to enqueue DSN", slog.String("to", entry.From), slog.String("error", err.Error()))
	}
}

// buildDSN renders a minimal RFC 3464-flavored bounce message: enough
// headers and a human-readable explanation for the original sender to
// understand why their message didn't go through.
func buildDSN(entry Entry, cause error, mailerDomain string) []byte {
	now := time.Now().UTC().Format(time.RFC1123Z)
	const subject = "Undelivered Mail Returned to Sender"

	body := fmt.Sprintf(
		"Date: %s\r\n"+
			"From: Mail Delivery System <MAILER-DAEMON@%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=us-ascii\r\n"+
			"\r\n"+
			"This is the mail system at %s.\r\n\r\n"+
			"I was unable to deliver your message to the following recipient:\r\n\r\n"+
			"  %s\r\n\r\n"+
			"Reason: %s\r\n\r\n"+
			"Attempts: %d\r\n",
		now, mailerDomain, entry.From, subject, mailerDomain, entry.To, cause.Error(), entry.RetryCount+1,
	)

	return []byte(body)
}
