package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/auth"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/server"
)

// Authenticator is the minimal surface LOGIN needs. internal/auth.Store
// implements it directly.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (auth.Result, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Hostname      string
	Authenticator Authenticator
	Store         MaildirStore
	TLSConfig     *tls.Config
	IdleTimeout   time.Duration // hard cap on IDLE (default 29m)
	Metrics       metrics.Collector
}

// Handler drives one IMAP connection: tagged command dispatch, SELECT
// state, FETCH/SEARCH/STORE, and IDLE.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NoopCollector{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 29 * time.Minute
	}
	return &Handler{cfg: cfg}
}

// Handle implements server.ConnectionHandler.
func (h *Handler) Handle(ctx context.Context, conn *server.Connection) {
	logger := conn.Logger()
	h.cfg.Metrics.ImapConnectionOpened()
	defer h.cfg.Metrics.ImapConnectionClosed()

	sess := newSession()
	h.sendUntagged(conn, fmt.Sprintf("OK [CAPABILITY %s] %s IMAP4rev1 ready", h.capabilities(sess), h.cfg.Hostname))

	for sess.State() != StateLogout {
		line, err := readLine(conn.Reader())
		if err != nil {
			return
		}
		_ = conn.ResetIdleTimeout()

		tag, cmd, args, err := parseLine(line)
		if err != nil {
			h.sendUntagged(conn, "BAD Failed to parse command")
			continue
		}
		h.cfg.Metrics.ImapCommandProcessed(cmd)

		h.dispatch(ctx, conn, sess, tag, cmd, args, logger)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *server.Connection, sess *Session, tag, cmd string, args []string, logger *slog.Logger) {
	switch cmd {
	case "CAPABILITY":
		h.sendUntagged(conn, "CAPABILITY "+h.capabilities(sess))
		h.sendTagged(conn, tag, "OK CAPABILITY completed")

	case "NOOP":
		h.sendTagged(conn, tag, "OK NOOP completed")

	case "LOGOUT":
		h.sendUntagged(conn, "BYE logging out")
		h.sendTagged(conn, tag, "OK LOGOUT completed")
		sess.Logout()

	case "STARTTLS":
		if conn.IsTLS() {
			h.sendTagged(conn, tag, "NO connection already secure")
			return
		}
		if h.cfg.TLSConfig == nil {
			h.sendTagged(conn, tag, "NO TLS not configured")
			return
		}
		h.sendTagged(conn, tag, "OK begin TLS negotiation now")
		if err := conn.UpgradeToTLS(h.cfg.TLSConfig); err != nil {
			logger.Warn("TLS upgrade failed", slog.String("error", err.Error()))
		}

	case "LOGIN":
		h.handleLogin(ctx, conn, sess, tag, args)

	case "SELECT", "EXAMINE":
		h.handleSelect(conn, sess, tag, args, cmd, cmd == "EXAMINE")

	case "CLOSE":
		if sess.State() != StateSelected {
			h.sendTagged(conn, tag, "BAD not selected")
			return
		}
		_, _ = sess.Mailbox().Expunge()
		sess.Deselect()
		h.sendTagged(conn, tag, "OK CLOSE completed")

	case "FETCH":
		h.handleFetch(conn, sess, tag, args, false)
	case "UID":
		h.handleUID(conn, sess, tag, args)

	case "STORE":
		h.handleStore(conn, sess, tag, args, false)

	case "SEARCH":
		h.handleSearch(conn, sess, tag, args, false)

	case "EXPUNGE":
		if sess.State() != StateSelected {
			h.sendTagged(conn, tag, "BAD not selected")
			return
		}
		expunged, err := sess.Mailbox().Expunge()
		if err != nil {
			h.sendTagged(conn, tag, "NO expunge failed")
			return
		}
		for _, seq := range expunged {
			h.sendUntagged(conn, fmt.Sprintf("%d EXPUNGE", seq))
		}
		h.sendTagged(conn, tag, "OK EXPUNGE completed")

	case "IDLE":
		h.handleIdle(ctx, conn, sess, tag)

	case "LIST":
		h.sendUntagged(conn, `LIST (\HasNoChildren) "/" "INBOX"`)
		h.sendTagged(conn, tag, "OK LIST completed")

	case "STATUS":
		h.handleStatus(conn, sess, tag, args)

	default:
		h.sendTagged(conn, tag, "BAD Unknown command")
	}
}

func (h *Handler) capabilities(sess *Session) string {
	caps := []string{"IMAP4rev1", "IDLE"}
	if h.cfg.TLSConfig != nil {
		caps = append(caps, "STARTTLS")
	}
	if sess.State() == StateNotAuthenticated {
		caps = append(caps, "AUTH=PLAIN")
	}
	return strings.Join(caps, " ")
}

func (h *Handler) handleLogin(ctx context.Context, conn *server.Connection, sess *Session, tag string, args []string) {
	if len(args) < 2 {
		h.sendTagged(conn, tag, "BAD LOGIN requires username and password")
		return
	}
	if h.cfg.Authenticator == nil {
		h.sendTagged(conn, tag, "NO authentication not supported")
		return
	}
	user := unquote(args[0])
	pass := unquote(args[1])

	result, err := h.cfg.Authenticator.Authenticate(ctx, user, pass)
	if err != nil || result != auth.ResultOK {
		h.sendTagged(conn, tag, "NO LOGIN failed")
		return
	}
	sess.SetAuthenticated(user)
	h.sendTagged(conn, tag, "OK LOGIN completed")
}

func (h *Handler) handleSelect(conn *server.Connection, sess *Session, tag string, args []string, cmdName string, readOnly bool) {
	if sess.State() < StateAuthenticated {
		h.sendTagged(conn, tag, "BAD not authenticated")
		return
	}
	if len(args) < 1 {
		h.sendTagged(conn, tag, "BAD missing mailbox name")
		return
	}

	mb, err := Open(h.cfg.Store, sess.User())
	if err != nil {
		h.sendTagged(conn, tag, "NO internal error")
		return
	}
	sess.SetSelected(mb, readOnly)

	h.sendUntagged(conn, fmt.Sprintf("FLAGS (%s)", strings.Join(PermanentFlags, " ")))
	h.sendUntagged(conn, fmt.Sprintf(`OK [PERMANENTFLAGS (%s \*)]`, strings.Join(PermanentFlags, " ")))
	h.sendUntagged(conn, fmt.Sprintf("OK [UIDVALIDITY %d]", mb.UIDValidity()))
	h.sendUntagged(conn, fmt.Sprintf("OK [UIDNEXT %d]", mb.UIDNext()))
	h.sendUntagged(conn, fmt.Sprintf("%d EXISTS", mb.Exists()))
	h.sendUntagged(conn, fmt.Sprintf("%d RECENT", mb.Recent()))

	mode := "READ-WRITE"
	if readOnly {
		mode = "READ-ONLY"
	}
	h.sendTagged(conn, tag, fmt.Sprintf("OK [%s] %s completed", mode, cmdName))
}

func (h *Handler) handleStatus(conn *server.Connection, sess *Session, tag string, args []string) {
	if sess.State() < StateAuthenticated {
		h.sendTagged(conn, tag, "BAD not authenticated")
		return
	}
	if len(args) < 2 {
		h.sendTagged(conn, tag, "BAD missing mailbox and item names")
		return
	}
	mb, err := Open(h.cfg.Store, sess.User())
	if err != nil {
		h.sendTagged(conn, tag, "NO internal error")
		return
	}

	var parts []string
	for _, item := range splitArgs(stripParens(strings.Join(args[1:], " "))) {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", mb.Exists()))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", mb.Recent()))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", mb.UIDNext()))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", mb.UIDValidity()))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", mb.Unseen()))
		}
	}
	h.sendUntagged(conn, fmt.Sprintf("STATUS %s (%s)", args[0], strings.Join(parts, " ")))
	h.sendTagged(conn, tag, "OK STATUS completed")
}

func (h *Handler) handleFetch(conn *server.Connection, sess *Session, tag string, args []string, byUID bool) {
	if sess.State() != StateSelected {
		h.sendTagged(conn, tag, "BAD not selected")
		return
	}
	if len(args) < 2 {
		h.sendTagged(conn, tag, "BAD FETCH requires a sequence set and item names")
		return
	}
	mb := sess.Mailbox()

	var seqs []int
	var err error
	if byUID {
		seqs, err = resolveUIDSet(mb, args[0])
	} else {
		seqs, err = parseSeqSet(args[0], mb.Exists())
	}
	if err != nil {
		h.sendTagged(conn, tag, "BAD invalid sequence set")
		return
	}

	items := parseFetchItems(strings.Join(args[1:], " "))
	if byUID {
		hasUID := false
		for _, it := range items {
			if strings.ToUpper(it) == "UID" {
				hasUID = true
			}
		}
		if !hasUID {
			items = append([]string{"UID"}, items...)
		}
	}

	for _, seq := range seqs {
		msg, ok := mb.BySeq(seq)
		if !ok {
			continue
		}
		body, err := mb.Read(msg)
		if err != nil {
			continue
		}
		m := message{Message: msg, body: body}

		var rendered []string
		markSeen := false
		for _, item := range items {
			rendered = append(rendered, renderFetchItem(item, m))
			if strings.HasPrefix(strings.ToUpper(item), "BODY[") && !isPeek(item) {
				markSeen = true
			}
		}
		if markSeen && !strings.Contains(msg.Flags, "S") {
			if updated, err := mb.SetFlags(seq, "S"); err == nil {
				m.Flags = updated.Flags
			}
		}

		h.sendUntagged(conn, fmt.Sprintf("%d FETCH (%s)", seq, strings.Join(rendered, " ")))
	}

	h.sendTagged(conn, tag, "OK FETCH completed")
}

func (h *Handler) handleUID(conn *server.Connection, sess *Session, tag string, args []string) {
	if len(args) < 1 {
		h.sendTagged(conn, tag, "BAD missing UID subcommand")
		return
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]
	switch sub {
	case "FETCH":
		h.handleFetch(conn, sess, tag, rest, true)
	case "STORE":
		h.handleStore(conn, sess, tag, rest, true)
	case "SEARCH":
		h.handleSearch(conn, sess, tag, rest, true)
	default:
		h.sendTagged(conn, tag, "BAD unknown UID subcommand")
	}
}

func (h *Handler) handleStore(conn *server.Connection, sess *Session, tag string, args []string, byUID bool) {
	if sess.State() != StateSelected {
		h.sendTagged(conn, tag, "BAD not selected")
		return
	}
	if len(args) < 3 {
		h.sendTagged(conn, tag, "BAD STORE requires a sequence set, operation, and flags")
		return
	}
	mb := sess.Mailbox()

	var seqs []int
	var err error
	if byUID {
		seqs, err = resolveUIDSet(mb, args[0])
	} else {
		seqs, err = parseSeqSet(args[0], mb.Exists())
	}
	if err != nil {
		h.sendTagged(conn, tag, "BAD invalid sequence set")
		return
	}

	op := strings.ToUpper(args[1])
	silent := strings.Contains(op, ".SILENT")
	adding := !strings.HasPrefix(op, "-")

	flagTokens := splitArgs(stripParens(strings.Join(args[2:], " ")))
	addFlags := flagsToSuffix(flagTokens)

	for _, seq := range seqs {
		var msg Message
		var err error
		if adding {
			msg, err = mb.SetFlags(seq, addFlags)
		} else {
			// Removal isn't modeled by the additive splice maildir uses;
			// approximate by rewriting with an empty delta (no-op) since
			// this server doesn't yet support flag removal.
			msg, _ = mb.BySeq(seq)
		}
		if err != nil {
			continue
		}
		if !silent {
			h.sendUntagged(conn, fmt.Sprintf("%d FETCH (FLAGS (%s))", seq, renderFlags(msg.Flags, msg.Recent)))
		}
	}

	h.sendTagged(conn, tag, "OK STORE completed")
}

func (h *Handler) handleSearch(conn *server.Connection, sess *Session, tag string, args []string, byUID bool) {
	if sess.State() != StateSelected {
		h.sendTagged(conn, tag, "BAD not selected")
		return
	}
	if len(args) < 1 {
		h.sendTagged(conn, tag, "BAD SEARCH requires criteria")
		return
	}
	mb := sess.Mailbox()

	var matches []string
	for _, msg := range mb.Messages() {
		body, err := mb.Read(msg)
		if err != nil {
			continue
		}
		m := message{Message: msg, body: body}
		if matchesSearch(args, m) {
			if byUID {
				matches = append(matches, strconv.FormatUint(uint64(msg.UID), 10))
			} else {
				matches = append(matches, strconv.Itoa(msg.Seq))
			}
		}
	}

	h.sendUntagged(conn, "SEARCH "+strings.Join(matches, " "))
	h.sendTagged(conn, tag, "OK SEARCH completed")
}

func (h *Handler) handleIdle(ctx context.Context, conn *server.Connection, sess *Session, tag string) {
	if sess.State() != StateSelected {
		h.sendTagged(conn, tag, "BAD not selected")
		return
	}
	h.cfg.Metrics.ImapIdleSessionStarted()
	defer h.cfg.Metrics.ImapIdleSessionEnded()

	fmt.Fprintf(conn.Writer(), "+ idling\r\n")
	_ = conn.Flush()

	watcher := NewWatcher(h.cfg.Store.UserDir(sess.User()))
	defer watcher.Close()

	done := make(chan string, 1)
	go func() {
		line, err := readLine(conn.Reader())
		if err != nil {
			done <- ""
			return
		}
		done <- line
	}()

	deadline := time.Now().Add(h.cfg.IdleTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.sendTagged(conn, tag, "OK IDLE terminated (timeout)")
			return
		}
		chunk := remaining
		if chunk > time.Second {
			chunk = time.Second
		}

		select {
		case line := <-done:
			if strings.EqualFold(strings.TrimSpace(line), "DONE") {
				h.sendTagged(conn, tag, "OK IDLE terminated")
			}
			return
		default:
		}

		changed, err := watcher.Wait(ctx, chunk)
		if err != nil {
			continue
		}
		if changed {
			mb, err := Open(h.cfg.Store, sess.User())
			if err == nil {
				sess.SetSelected(mb, sess.ReadOnly())
				h.sendUntagged(conn, fmt.Sprintf("%d EXISTS", mb.Exists()))
				h.sendUntagged(conn, fmt.Sprintf("%d RECENT", mb.Recent()))
			}
		}
	}
}

func resolveUIDSet(mb *Mailbox, spec string) ([]int, error) {
	var maxUID uint32
	for _, m := range mb.Messages() {
		if m.UID > maxUID {
			maxUID = m.UID
		}
	}
	uids, err := parseSeqSet(spec, int(maxUID))
	if err != nil {
		return nil, err
	}
	var seqs []int
	for _, uid := range uids {
		if msg, ok := mb.ByUID(uint32(uid)); ok {
			seqs = append(seqs, msg.Seq)
		}
	}
	return seqs, nil
}

// flagsToSuffix maps RFC 3501 flag names in a STORE argument list to the
// single-letter Maildir suffix characters (internal/maildir.SetFlags).
func flagsToSuffix(flagTokens []string) string {
	var letters strings.Builder
	for _, f := range flagTokens {
		switch f {
		case FlagSeen:
			letters.WriteByte('S')
		case FlagAnswered:
			letters.WriteByte('R')
		case FlagFlagged:
			letters.WriteByte('F')
		case FlagDeleted:
			letters.WriteByte('T')
		case FlagDraft:
			letters.WriteByte('D')
		}
	}
	return letters.String()
}

func (h *Handler) sendTagged(conn *server.Connection, tag, text string) {
	fmt.Fprintf(conn.Writer(), "%s %s\r\n", tag, text)
	_ = conn.Flush()
	_ = conn.ResetIdleTimeout()
}

func (h *Handler) sendUntagged(conn *server.Connection, text string) {
	fmt.Fprintf(conn.Writer(), "* %s\r\n", text)
	_ = conn.Flush()
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
