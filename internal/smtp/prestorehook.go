package smtp

import (
	"bytes"
	"context"

	"github.com/infodancer/mailcore/internal/spamcheck"
)

// PreStoreHook is the integration point the handler invokes on the
// accumulated DATA payload before it is handed to maildir/queue delivery.
// internal/spamcheck.Checker implementations (rspamd, multi-checker, or a
// noop) satisfy it directly.
type PreStoreHook = spamcheck.Checker

// HookOutcome is the handler-facing verdict after translating a
// PreStoreHook's CheckResult against its configured thresholds.
type HookOutcome struct {
	Result    SMTPResult // non-zero Code means "stop here and send this"
	AddHeaders map[string]string
}

// RunPreStoreHook invokes hook against the message payload and translates
// its CheckResult into an SMTPResult using cfg's thresholds and fail mode.
// A zero-value Result.Code (the common case) means the caller should
// proceed with delivery.
func RunPreStoreHook(ctx context.Context, hook PreStoreHook, cfg spamcheck.Config, payload []byte, opts spamcheck.CheckOptions) HookOutcome {
	if hook == nil {
		return HookOutcome{}
	}

	result, err := hook.Check(ctx, bytes.NewReader(payload), opts)
	if err != nil {
		switch cfg.GetFailMode() {
		case spamcheck.FailOpen:
			return HookOutcome{}
		case spamcheck.FailReject:
			return HookOutcome{Result: SMTPResult{Code: 550, Message: "5.7.1 Message rejected (filter unavailable)"}}
		default:
			return HookOutcome{Result: SMTPResult{Code: 451, Message: "4.7.1 Temporary failure (filter unavailable)"}}
		}
	}

	if result.ShouldReject(cfg.RejectThreshold) {
		msg := result.RejectMessage
		if msg == "" {
			msg = "5.7.1 Message rejected"
		}
		return HookOutcome{Result: SMTPResult{Code: 550, Message: msg}}
	}
	if result.ShouldTempFail(cfg.TempFailThreshold) {
		msg := result.RejectMessage
		if msg == "" {
			msg = "4.7.1 Temporary failure, please try again later"
		}
		return HookOutcome{Result: SMTPResult{Code: 451, Message: msg}}
	}

	if cfg.AddHeaders {
		return HookOutcome{AddHeaders: result.Headers}
	}
	return HookOutcome{}
}
