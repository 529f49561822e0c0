package imap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/infodancer/mailcore/internal/maildir"
)

// MaildirStore is the subset of maildir.Store a Mailbox needs.
type MaildirStore interface {
	List(user string, sub maildir.Subdir) ([]string, error)
	Read(user, filename string) ([]byte, error)
	SetFlags(user, filename, addFlags string) (string, error)
	Delete(user, filename string) error
	UserDir(user string) string
}

// Message is one enumerated message within a selected mailbox.
type Message struct {
	Seq      int
	UID      uint32
	Filename string
	Flags    string
	Recent   bool
}

// Mailbox is a SELECTed view over one user's Maildir: a stable sequence
// number -> filename mapping plus persistent UIDs and UIDVALIDITY.
type Mailbox struct {
	store       MaildirStore
	user        string
	messages    []Message
	uidValidity uint32
	uidNext     uint32
}

// Open enumerates the union of new/ and cur/, sorted by filename (which
// embeds delivery time), and assigns sequence numbers 1..N and stable UIDs.
func Open(store MaildirStore, user string) (*Mailbox, error) {
	newFiles, err := store.List(user, maildir.New)
	if err != nil {
		return nil, fmt.Errorf("imap: list new: %w", err)
	}
	curFiles, err := store.List(user, maildir.Cur)
	if err != nil {
		return nil, fmt.Errorf("imap: list cur: %w", err)
	}

	recent := make(map[string]bool, len(newFiles))
	all := make([]string, 0, len(newFiles)+len(curFiles))
	for _, f := range newFiles {
		all = append(all, f)
		recent[f] = true
	}
	all = append(all, curFiles...)
	sort.Strings(all)

	uidValidity, err := uidValidityFor(store, user)
	if err != nil {
		return nil, err
	}

	uidMap, uidNext, err := loadUIDList(store, user)
	if err != nil {
		return nil, err
	}

	mb := &Mailbox{store: store, user: user, uidValidity: uidValidity}

	assigned := false
	for i, filename := range all {
		base, flags, _ := maildir.ParseFlags(filename)
		uid, ok := uidMap[base]
		if !ok {
			uid = uidNext
			uidNext++
			uidMap[base] = uid
			assigned = true
		}
		mb.messages = append(mb.messages, Message{
			Seq:      i + 1,
			UID:      uid,
			Filename: filename,
			Flags:    flags,
			Recent:   recent[filename],
		})
	}
	mb.uidNext = uidNext

	if assigned {
		if err := saveUIDList(store, user, uidMap, uidNext); err != nil {
			return nil, err
		}
	}

	return mb, nil
}

// Exists is the EXISTS count.
func (m *Mailbox) Exists() int { return len(m.messages) }

// Recent is the RECENT count (messages still sitting in new/).
func (m *Mailbox) Recent() int {
	n := 0
	for _, msg := range m.messages {
		if msg.Recent {
			n++
		}
	}
	return n
}

// Unseen is the count of messages missing the \Seen flag.
func (m *Mailbox) Unseen() int {
	n := 0
	for _, msg := range m.messages {
		if !strings.Contains(msg.Flags, "S") {
			n++
		}
	}
	return n
}

// UIDValidity returns the mailbox's UIDVALIDITY value.
func (m *Mailbox) UIDValidity() uint32 { return m.uidValidity }

// UIDNext returns the predicted UID of the next message to arrive.
func (m *Mailbox) UIDNext() uint32 { return m.uidNext }

// Messages returns a snapshot of all enumerated messages in sequence order.
func (m *Mailbox) Messages() []Message {
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// BySeq returns the message at 1-based sequence number seq, if any.
func (m *Mailbox) BySeq(seq int) (Message, bool) {
	if seq < 1 || seq > len(m.messages) {
		return Message{}, false
	}
	return m.messages[seq-1], true
}

// ByUID returns the message with the given UID, if any.
func (m *Mailbox) ByUID(uid uint32) (Message, bool) {
	for _, msg := range m.messages {
		if msg.UID == uid {
			return msg, true
		}
	}
	return Message{}, false
}

// Read returns the raw message bytes.
func (m *Mailbox) Read(msg Message) ([]byte, error) {
	return m.store.Read(m.user, msg.Filename)
}

// SetFlags rewrites the flag suffix for msg, returning the new filename and
// updating the in-memory sequence entry.
func (m *Mailbox) SetFlags(seq int, addFlags string) (Message, error) {
	msg, ok := m.BySeq(seq)
	if !ok {
		return Message{}, fmt.Errorf("imap: no message at sequence %d", seq)
	}
	newName, err := m.store.SetFlags(m.user, msg.Filename, addFlags)
	if err != nil {
		return Message{}, err
	}
	_, flags, _ := maildir.ParseFlags(newName)
	msg.Filename = newName
	msg.Flags = flags
	msg.Recent = false
	m.messages[seq-1] = msg
	return msg, nil
}

// Expunge deletes every message carrying \Deleted and renumbers the
// remaining sequence.
func (m *Mailbox) Expunge() ([]int, error) {
	var expunged []int
	var kept []Message
	for _, msg := range m.messages {
		if strings.Contains(msg.Flags, "T") {
			if err := m.store.Delete(m.user, msg.Filename); err != nil {
				return expunged, err
			}
			expunged = append(expunged, msg.Seq)
			continue
		}
		kept = append(kept, msg)
	}
	for i := range kept {
		kept[i].Seq = i + 1
	}
	m.messages = kept
	return expunged, nil
}

// uidValidityFor loads or creates the persistent UIDVALIDITY marker for a
// user's mailbox. The value is kept stable across sessions and only bumped
// when the mailbox directory itself has been recreated (different inode),
// not on every reopen.
func uidValidityFor(store MaildirStore, user string) (uint32, error) {
	mailboxDir := store.UserDir(user)
	markerPath := filepath.Join(mailboxDir, ".uidvalidity")

	ino, err := dirInode(mailboxDir)
	if err != nil {
		return 1, nil // directory not created yet (no messages delivered)
	}

	if data, err := os.ReadFile(markerPath); err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(data)), "\t", 2)
		if len(parts) == 2 {
			storedIno := parts[1]
			if storedIno == ino {
				v, err := strconv.ParseUint(parts[0], 10, 32)
				if err == nil {
					return uint32(v), nil
				}
			}
		}
	}

	// First time seeing this directory identity, or it was recreated:
	// mint a new UIDVALIDITY from the current time and persist it.
	next := uint32(time.Now().Unix())
	if next == 0 {
		next = 1
	}
	contents := fmt.Sprintf("%d\t%s", next, ino)
	_ = os.WriteFile(markerPath, []byte(contents), 0600)
	return next, nil
}

// loadUIDList reads the persisted filename-base -> UID assignments for a
// user's mailbox, along with the next UID to hand out. A missing or
// unreadable file starts a fresh map with UIDNEXT 1, matching UIDVALIDITY's
// first-open behavior.
func loadUIDList(store MaildirStore, user string) (map[string]uint32, uint32, error) {
	path := filepath.Join(store.UserDir(user), ".uidlist")
	uidMap := make(map[string]uint32)

	data, err := os.ReadFile(path)
	if err != nil {
		return uidMap, 1, nil
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return uidMap, 1, nil
	}

	next, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 32)
	if err != nil {
		return make(map[string]uint32), 1, nil
	}

	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		uid, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		uidMap[parts[1]] = uint32(uid)
	}

	return uidMap, uint32(next), nil
}

// saveUIDList persists the filename-base -> UID assignments and UIDNEXT.
// Best-effort: a failure to persist only costs UID stability across the
// next reopen, it never blocks the current session.
func saveUIDList(store MaildirStore, user string, uidMap map[string]uint32, uidNext uint32) error {
	path := filepath.Join(store.UserDir(user), ".uidlist")

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", uidNext)
	for base, uid := range uidMap {
		fmt.Fprintf(&b, "%d\t%s\n", uid, base)
	}

	return os.WriteFile(path, []byte(b.String()), 0600)
}

func dirInode(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("imap: inode unavailable for %s", path)
	}
	return fmt.Sprintf("%d:%d", stat.Dev, stat.Ino), nil
}

