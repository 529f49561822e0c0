package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/maildir"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/smtpclient"
	"github.com/infodancer/mailcore/internal/validation"
)

// MXResolver looks up the mail exchangers for a domain, sorted by
// preference. net.LookupMX satisfies this directly.
type MXResolver func(domain string) ([]*net.MX, error)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Store        *Store
	Queue        config.QueueConfig
	Logger       *slog.Logger
	Metrics      metrics.Collector
	ClientHost   string // EHLO identity presented to remote servers
	LocalDomains []string
	LocalStore   *maildir.Store // destination for bounces to local senders
	Resolver     MXResolver
}

// Worker drains the outbound queue: claim, deliver, transition, repeat.
type Worker struct {
	cfg WorkerConfig
}

// NewWorker builds a Worker from cfg, filling in defaults for an
// unconfigured logger, metrics collector, or MX resolver.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NoopCollector{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.LookupMX
	}
	if cfg.ClientHost == "" {
		cfg.ClientHost = "localhost"
	}
	return &Worker{cfg: cfg}
}

// Run drains the queue until ctx is canceled. On startup it reverts any
// entries stuck in "sending" back to "pending" (a prior process may have
// crashed mid-delivery).
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.cfg.Store.ResetStuckSending(ctx); err != nil {
		w.cfg.Logger.Warn("failed to reset stuck sending entries", slog.String("error", err.Error()))
	} else if n > 0 {
		w.cfg.Logger.Info("reset stuck sending entries to pending", slog.Int64("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := w.drainOnce(ctx)
		if err != nil {
			w.cfg.Logger.Error("queue drain failed", slog.String("error", err.Error()))
			sleepOrDone(ctx, 60*time.Second)
			continue
		}

		if dispatched == 0 {
			sleepOrDone(ctx, w.cfg.Queue.IdleSleepOrDefault())
		} else {
			sleepOrDone(ctx, w.cfg.Queue.DrainSleepOrDefault())
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// drainOnce selects one batch of due entries and processes each, returning
// how many entries were actually claimed and dispatched.
func (w *Worker) drainOnce(ctx context.Context) (int, error) {
	batch, err := w.cfg.Store.Pending(ctx, w.cfg.Queue.BatchSizeOrDefault())
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, entry := range batch {
		claimed, err := w.cfg.Store.ClaimSending(ctx, entry.ID)
		if err != nil {
			w.cfg.Logger.Error("claim failed", slog.String("id", entry.ID), slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			continue // another worker won the race
		}
		dispatched++
		w.cfg.Metrics.QueueEntryTransitioned(string(StatusPending), string(StatusSending))

		w.process(ctx, entry)
	}

	return dispatched, nil
}

// process delivers one claimed entry and applies the resulting transition.
func (w *Worker) process(ctx context.Context, entry Entry) {
	err := w.deliver(ctx, entry)
	if err == nil {
		if markErr := w.cfg.Store.MarkSent(ctx, entry.ID); markErr != nil {
			w.cfg.Logger.Error("mark sent failed", slog.String("id", entry.ID), slog.String("error", markErr.Error()))
			return
		}
		w.cfg.Metrics.QueueEntryTransitioned(string(StatusSending), string(StatusSent))
		w.cfg.Metrics.QueueDeliveryAttempt("success")
		return
	}

	sendErr, ok := err.(*smtpclient.SendError)
	permanent := ok && sendErr.Class == smtpclient.ClassPermanent
	w.cfg.Metrics.QueueDeliveryAttempt("failure")

	if permanent {
		if markErr := w.cfg.Store.MarkBounced(ctx, entry.ID, err.Error()); markErr != nil {
			w.cfg.Logger.Error("mark bounced failed", slog.String("id", entry.ID), slog.String("error", markErr.Error()))
			return
		}
		w.cfg.Metrics.QueueEntryTransitioned(string(StatusSending), string(StatusBounced))
		w.bounce(ctx, entry, err)
		return
	}

	bounced, markErr := w.cfg.Store.MarkFailed(ctx, entry.ID, entry.RetryCount, w.cfg.Queue.MaxRetriesOrDefault(), w.cfg.Queue.RetryBaseOrDefault(), err.Error())
	if markErr != nil {
		w.cfg.Logger.Error("mark failed failed", slog.String("id", entry.ID), slog.String("error", markErr.Error()))
		return
	}
	if bounced {
		w.cfg.Metrics.QueueEntryTransitioned(string(StatusSending), string(StatusBounced))
		w.bounce(ctx, entry, err)
	} else {
		w.cfg.Metrics.QueueEntryTransitioned(string(StatusSending), string(StatusPending))
	}
}

// deliver resolves MX records for the recipient's domain and attempts each
// in preference order until one accepts the message or all fail.
func (w *Worker) deliver(ctx context.Context, entry Entry) error {
	_, domain, ok := validation.SplitAddress(entry.To)
	if !ok {
		return &smtpclient.SendError{Class: smtpclient.ClassPermanent, Message: "invalid recipient address"}
	}

	mxs, err := w.cfg.Resolver(domain)
	if err != nil || len(mxs) == 0 {
		return &smtpclient.SendError{Class: smtpclient.ClassPermanent, Message: fmt.Sprintf("no MX records for %s", domain)}
	}
	sort.Slice(mxs, func(i, j int) bool {
		if mxs[i].Pref != mxs[j].Pref {
			return mxs[i].Pref < mxs[j].Pref
		}
		return mxs[i].Host < mxs[j].Host
	})

	client := smtpclient.New(w.cfg.ClientHost)

	var lastErr error
	for _, mx := range mxs {
		addr := fmt.Sprintf("%s:25", trimTrailingDot(mx.Host))
		if err := client.Send(addr, entry.From, entry.To, entry.Data); err != nil {
			lastErr = err
			if sendErr, ok := err.(*smtpclient.SendError); ok && sendErr.Class == smtpclient.ClassPermanent {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func trimTrailingDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
