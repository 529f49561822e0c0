// Package imap implements a read/write IMAP4rev1 server over Maildir
// storage: tagged command dispatch, SELECT/FETCH/SEARCH/STORE, and IDLE
// backed by a filesystem watcher.
package imap

import "time"

// SessionState tracks where a connection sits in the IMAP state machine
// (RFC 3501 §3).
type SessionState int

const (
	StateNotAuthenticated SessionState = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s SessionState) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// Flags per RFC 3501 §2.3.2.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// PermanentFlags is advertised on SELECT/EXAMINE.
var PermanentFlags = []string{FlagAnswered, FlagFlagged, FlagDraft, FlagDeleted, FlagSeen}

const internalDateFormat = "02-Jan-2006 15:04:05 -0700"

// Session holds per-connection IMAP state.
type Session struct {
	state    SessionState
	user     string
	mailbox  *Mailbox
	readOnly bool
	idleSince time.Time
}

func newSession() *Session {
	return &Session{state: StateNotAuthenticated}
}

func (s *Session) State() SessionState { return s.state }

func (s *Session) SetAuthenticated(user string) {
	s.user = user
	s.state = StateAuthenticated
}

func (s *Session) User() string { return s.user }

func (s *Session) SetSelected(mb *Mailbox, readOnly bool) {
	s.mailbox = mb
	s.readOnly = readOnly
	s.state = StateSelected
}

func (s *Session) Deselect() {
	s.mailbox = nil
	s.state = StateAuthenticated
}

func (s *Session) Mailbox() *Mailbox { return s.mailbox }

func (s *Session) ReadOnly() bool { return s.readOnly }

func (s *Session) Logout() { s.state = StateLogout }
