package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/ratelimit"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/spamcheck"
	"github.com/infodancer/mailcore/internal/validation"
)

// Enqueuer hands a message to the outbound queue for asynchronous delivery
// to a remote recipient. internal/queue.Store implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, from, to string, payload []byte) (id string, err error)
}

// LocalDelivery stores a message for a local recipient. internal/maildir.Store
// implements it (the user argument is the mailbox name, typically the
// recipient's local part or full address depending on configuration).
type LocalDelivery interface {
	Store(user string, data []byte) (filename string, err error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Hostname       string
	Authenticator  Authenticator // may be nil to disable AUTH
	OAuthAgent     OAuthVerifier // may be nil to disable AUTH OAUTHBEARER
	TLSConfig      *tls.Config   // enables STARTTLS when non-nil
	LocalDomains   []string
	LocalStore     LocalDelivery
	Queue          Enqueuer
	PreStoreHook   PreStoreHook // may be nil
	SpamConfig     spamcheck.Config
	RateLimiter    *ratelimit.Limiter // may be nil to disable auth rate limiting
	Metrics        metrics.Collector
	SessionConfig  SessionConfig
	MaxMessageSize int64 // 0 = unlimited
}

// Handler drives a single SMTP session end to end: command dispatch, DATA
// accumulation, AUTH continuations, STARTTLS upgrade, and delivery fan-out
// to local maildir storage or the outbound queue.
type Handler struct {
	cfg      HandlerConfig
	registry *CommandRegistry
	authCmd  *AUTHCommand
}

// NewHandler builds a Handler and its command registry from cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NoopCollector{}
	}

	var authAgent interface{}
	var oauthAgent interface{}
	var authCmd *AUTHCommand
	if cfg.Authenticator != nil || cfg.OAuthAgent != nil {
		authAgent = cfg.Authenticator
		oauthAgent = cfg.OAuthAgent
		authCmd = &AUTHCommand{authAgent: cfg.Authenticator, oauthAgent: cfg.OAuthAgent}
	}

	return &Handler{
		cfg:      cfg,
		registry: NewCommandRegistry(cfg.Hostname, authAgent, oauthAgent, cfg.TLSConfig),
		authCmd:  authCmd,
	}
}

// Handle implements server.ConnectionHandler.
func (h *Handler) Handle(ctx context.Context, conn *server.Connection) {
	logger := conn.Logger()
	h.cfg.Metrics.ConnectionOpened()
	defer h.cfg.Metrics.ConnectionClosed()

	session := NewSMTPSession(ConnectionInfo{
		ClientIP: clientIP(conn),
	}, h.cfg.SessionConfig)

	h.reply(conn, SMTPResult{Code: 220, Message: h.cfg.Hostname + " ESMTP ready"})

	for {
		if err := conn.SetCommandTimeout(); err != nil {
			return
		}

		line, err := readLine(conn.Reader())
		if err != nil {
			if err != io.EOF {
				logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.ResetIdleTimeout()

		cmd, matches, err := h.registry.Match(line)
		if err != nil {
			h.reply(conn, SMTPResult{Code: 502, Message: "5.5.1 Command not recognized"})
			continue
		}

		result, err := cmd.Execute(ctx, session, matches)
		if err != nil {
			h.reply(conn, SMTPResult{Code: 451, Message: "4.0.0 Internal error"})
			continue
		}
		h.cfg.Metrics.CommandProcessed(commandVerb(line))

		switch cmd.(type) {
		case *STARTTLSCommand:
			h.reply(conn, result)
			if result.Code == 220 {
				if err := conn.UpgradeToTLS(h.cfg.TLSConfig); err != nil {
					logger.Warn("TLS upgrade failed", slog.String("error", err.Error()))
					return
				}
				session.SetTLSActive(true)
				session.ResetAfterSTARTTLS()
				h.cfg.Metrics.TLSConnectionEstablished()
			}
			continue
		case *AUTHCommand:
			h.reply(conn, result)
			if result.AuthContinuation != AuthContinuationNone {
				h.driveAuthContinuation(ctx, conn, session, result.AuthContinuation)
			}
			h.recordAuthMetric(session)
			continue
		case *DATACommand:
			if result.Code != 354 {
				h.reply(conn, result)
				continue
			}
			h.reply(conn, result)
			h.handleData(ctx, conn, session)
			continue
		case *QUITCommand:
			h.reply(conn, result)
			return
		default:
			h.reply(conn, result)
		}
	}
}

// driveAuthContinuation reads the raw continuation line(s) an AUTH exchange
// is waiting on and feeds them back through the AUTHCommand, mirroring how
// DATA hands control to raw line reading outside the command registry.
func (h *Handler) driveAuthContinuation(ctx context.Context, conn *server.Connection, session *SMTPSession, step AuthContinuation) {
	for step != AuthContinuationNone {
		line, err := readLine(conn.Reader())
		if err != nil {
			return
		}
		_ = conn.ResetIdleTimeout()

		if line == "*" {
			h.reply(conn, SMTPResult{Code: 501, Message: "5.7.0 Authentication cancelled"})
			return
		}

		var result SMTPResult
		switch step {
		case AuthContinuationPlain:
			result, err = h.authCmd.ContinuePlain(ctx, session, line)
		case AuthContinuationLoginUsername:
			result = h.authCmd.ContinueLoginUsername(session, line)
		case AuthContinuationLoginPassword:
			result, err = h.authCmd.ContinueLoginPassword(ctx, session, line)
		case AuthContinuationOAuthBearer:
			result, err = h.authCmd.ContinueOAuthBearer(ctx, session, line)
		}
		if err != nil {
			result = SMTPResult{Code: 454, Message: "4.7.0 Temporary authentication failure"}
		}

		h.reply(conn, result)
		step = result.AuthContinuation
	}
}

func (h *Handler) recordAuthMetric(session *SMTPSession) {
	domain := session.GetHelo()
	h.cfg.Metrics.AuthAttempt(domain, session.IsAuthenticated())

	if h.cfg.RateLimiter == nil {
		return
	}
	clientIP := session.ConnInfo().ClientIP
	if session.IsAuthenticated() {
		_ = h.cfg.RateLimiter.Reset(context.Background(), clientIP)
	} else {
		_ = h.cfg.RateLimiter.RecordFailure(context.Background(), clientIP)
	}
}

// handleData reads the message body in raw mode (dot-terminated,
// dot-stuffed per RFC 5321 §4.5.2), enforces the size cap, runs the
// pre-store hook, and delivers to local/remote recipients independently so
// one recipient's failure doesn't abort the others.
func (h *Handler) handleData(ctx context.Context, conn *server.Connection, session *SMTPSession) {
	var buf strings.Builder
	limit := session.Config().MaxMessageSize
	if h.cfg.MaxMessageSize > 0 {
		limit = h.cfg.MaxMessageSize
	}
	var size int64
	tooLarge := false

	for {
		line, err := readLine(conn.Reader())
		if err != nil {
			return
		}
		_ = conn.ResetIdleTimeout()

		if line == "." {
			break
		}
		unstuffed := line
		if strings.HasPrefix(line, "..") {
			unstuffed = line[1:]
		}

		if !tooLarge {
			size += int64(len(unstuffed)) + 2
			if limit > 0 && size > limit {
				tooLarge = true
			} else {
				buf.WriteString(unstuffed)
				buf.WriteString("\r\n")
			}
		}
	}

	if tooLarge {
		h.reply(conn, SMTPResult{Code: 552, Message: "5.3.4 Message size exceeds maximum permitted"})
		session.Reset()
		return
	}

	payload := []byte(buf.String())

	opts := spamcheck.CheckOptions{
		From:       session.GetSender(),
		Recipients: session.GetRecipients(),
		IP:         session.ConnInfo().ClientIP,
		Helo:       session.GetHelo(),
		Hostname:   h.cfg.Hostname,
		User:       session.GetAuthUser(),
	}
	outcome := RunPreStoreHook(ctx, h.cfg.PreStoreHook, h.cfg.SpamConfig, payload, opts)
	if outcome.Result.Code != 0 {
		h.reply(conn, outcome.Result)
		h.cfg.Metrics.MessageRejected(recipientDomainOf(session), "spamcheck")
		session.Reset()
		return
	}

	delivered, failed := h.deliver(ctx, session, payload)
	session.Reset()

	switch {
	case delivered == 0:
		h.reply(conn, SMTPResult{Code: 451, Message: "4.0.0 Transaction failed"})
	case failed == 0:
		h.reply(conn, SMTPResult{Code: 250, Message: "2.0.0 OK: message accepted"})
	default:
		h.reply(conn, SMTPResult{Code: 250, Message: fmt.Sprintf("2.0.0 OK: %d delivered, %d failed", delivered, failed)})
	}
}

// deliver fans a message out to every envelope recipient, classifying each
// as local (maildir) or remote (outbound queue). A failure for one
// recipient never aborts delivery to the others.
func (h *Handler) deliver(ctx context.Context, session *SMTPSession, payload []byte) (delivered, failed int) {
	from := session.GetSender()

	for _, rcpt := range session.GetRecipients() {
		local, domain, ok := validation.SplitAddress(rcpt)
		if !ok {
			failed++
			continue
		}

		if validation.IsLocalDomain(domain, h.cfg.LocalDomains) {
			if h.cfg.LocalStore == nil {
				failed++
				continue
			}
			if _, err := h.cfg.LocalStore.Store(local, payload); err != nil {
				failed++
				h.cfg.Metrics.DeliveryCompleted(domain, "failed")
				continue
			}
			delivered++
			h.cfg.Metrics.DeliveryCompleted(domain, "local")
			h.cfg.Metrics.MessageReceived(domain, int64(len(payload)))
			continue
		}

		if h.cfg.Queue == nil {
			failed++
			continue
		}
		if _, err := h.cfg.Queue.Enqueue(ctx, from, rcpt, payload); err != nil {
			failed++
			h.cfg.Metrics.DeliveryCompleted(domain, "enqueue_failed")
			continue
		}
		delivered++
		h.cfg.Metrics.QueueEntryEnqueued()
		h.cfg.Metrics.MessageReceived(domain, int64(len(payload)))
	}

	return delivered, failed
}

// reply writes an SMTPResult as wire-format response lines and flushes.
func (h *Handler) reply(conn *server.Connection, result SMTPResult) {
	w := conn.Writer()
	lines := result.Lines
	if len(lines) == 0 {
		lines = []string{result.Message}
	}

	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(w, "%d%s%s\r\n", result.Code, sep, line)
	}
	_ = w.Flush()
	_ = conn.ResetIdleTimeout()
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func commandVerb(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i])
	}
	return strings.ToUpper(line)
}

func recipientDomainOf(session *SMTPSession) string {
	rcpts := session.GetRecipients()
	if len(rcpts) == 0 {
		return ""
	}
	_, domain, _ := validation.SplitAddress(rcpts[0])
	return domain
}

func clientIP(conn *server.Connection) string {
	addr := conn.RemoteAddr().String()
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}
