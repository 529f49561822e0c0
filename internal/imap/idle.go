package imap

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher detects changes to a mailbox's new/ and cur/ directories so IDLE
// can push untagged updates without polling the client.
type Watcher interface {
	// Wait blocks until a change is observed or timeout elapses, returning
	// true if a change occurred.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// NewWatcher opens a Watcher for the given mailbox directory, preferring an
// fsnotify-backed watcher and falling back to polling when fsnotify setup
// fails (e.g. on a filesystem without inotify support).
func NewWatcher(mailboxDir string) Watcher {
	if w, err := newFsnotifyWatcher(mailboxDir); err == nil {
		return w
	}
	return newPollWatcher(mailboxDir)
}

// fsnotifyWatcher watches new/ and cur/ via inotify (or the platform
// equivalent fsnotify wraps).
type fsnotifyWatcher struct {
	watcher *fsnotify.Watcher
}

func newFsnotifyWatcher(mailboxDir string) (*fsnotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := false
	for _, sub := range []string{"new", "cur"} {
		dir := filepath.Join(mailboxDir, sub)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err == nil {
			watched = true
		}
	}
	if !watched {
		w.Close()
		return nil, os.ErrNotExist
	}

	return &fsnotifyWatcher{watcher: w}, nil
}

func (f *fsnotifyWatcher) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	case _, ok := <-f.watcher.Events:
		if !ok {
			return false, nil
		}
		return true, nil
	case err, ok := <-f.watcher.Errors:
		if !ok {
			return false, nil
		}
		return false, err
	}
}

func (f *fsnotifyWatcher) Close() error {
	return f.watcher.Close()
}

// pollWatcher checks directory modification times on a fixed interval.
// Used when fsnotify cannot be set up.
type pollWatcher struct {
	mailboxDir string
	lastSeen   time.Time
}

func newPollWatcher(mailboxDir string) *pollWatcher {
	return &pollWatcher{mailboxDir: mailboxDir, lastSeen: latestMtime(mailboxDir)}
}

const pollInterval = 100 * time.Millisecond

func (p *pollWatcher) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if mtime := latestMtime(p.mailboxDir); mtime.After(p.lastSeen) {
				p.lastSeen = mtime
				return true, nil
			}
			if time.Now().After(deadline) {
				return false, nil
			}
		}
	}
}

func (p *pollWatcher) Close() error { return nil }

func latestMtime(mailboxDir string) time.Time {
	var latest time.Time
	for _, sub := range []string{"new", "cur"} {
		dir := filepath.Join(mailboxDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(latest) {
				latest = info.ModTime()
			}
		}
	}
	return latest
}
