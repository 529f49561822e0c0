// Package maildir implements the qmail Maildir convention: atomic delivery
// via tmp/new/cur directories, with flag transitions encoded in the
// filename suffix.
package maildir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Subdir identifies one of the three Maildir subdirectories.
type Subdir string

const (
	Tmp Subdir = "tmp"
	New Subdir = "new"
	Cur Subdir = "cur"
)

var ErrNotFound = errors.New("maildir: message not found")

// counter is a process-local, lock-free uniqueness source used when
// generating delivery filenames so that two concurrent deliveries within
// the same process never collide even if they land in the same second.
var counter uint64

// Store roots Maildir operations at a base directory containing one
// subdirectory per user.
type Store struct {
	baseDir  string
	hostname string

	mu    sync.Mutex
	mkdir map[string]bool // memoized "directories already ensured"
}

// NewStore creates a Store rooted at baseDir. Per-user directories are
// created lazily on first use.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("maildir: create base dir: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Store{
		baseDir:  baseDir,
		hostname: sanitizeHostname(hostname),
		mkdir:    make(map[string]bool),
	}, nil
}

func sanitizeHostname(h string) string {
	return strings.NewReplacer(":", "", "/", "").Replace(h)
}

func (s *Store) userDir(user string) string {
	return filepath.Join(s.baseDir, user)
}

// BaseDir returns the root directory the store was opened with.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// UserDir returns the directory holding user's tmp/new/cur subdirectories.
func (s *Store) UserDir(user string) string {
	return s.userDir(user)
}

// ensureDirs creates tmp/new/cur under the user's directory with mode 0700
// if they do not already exist. Memoized per user to avoid a stat+mkdir
// round trip on every delivery.
func (s *Store) ensureDirs(user string) error {
	s.mu.Lock()
	done := s.mkdir[user]
	s.mu.Unlock()
	if done {
		return nil
	}

	dir := s.userDir(user)
	for _, sub := range []Subdir{Tmp, New, Cur} {
		if err := os.MkdirAll(filepath.Join(dir, string(sub)), 0700); err != nil {
			return fmt.Errorf("maildir: create %s/%s: %w", user, sub, err)
		}
	}

	s.mu.Lock()
	s.mkdir[user] = true
	s.mu.Unlock()
	return nil
}

// uniqueName generates a delivery filename of the form
// {epoch}.{pid}_{counter}.{hostname}.
func (s *Store) uniqueName() string {
	n := atomic.AddUint64(&counter, 1)
	return fmt.Sprintf("%d.%d_%d.%s", time.Now().Unix(), os.Getpid(), n, s.hostname)
}

// Store writes bytes atomically into user's Maildir, returning the final
// filename in new/. Either the full message becomes visible or nothing
// does: write to tmp/, fsync, fsync the directory, then rename into new/.
func (s *Store) Store(user string, data []byte) (string, error) {
	if err := s.ensureDirs(user); err != nil {
		return "", err
	}

	dir := s.userDir(user)
	name := s.uniqueName()
	tmpPath := filepath.Join(dir, string(Tmp), name)
	newPath := filepath.Join(dir, string(New), name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("maildir: create tmp file: %w", err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("maildir: write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("maildir: fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: close tmp file: %w", err)
	}
	if err := fsyncDir(filepath.Join(dir, string(Tmp))); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: fsync tmp dir: %w", err)
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: rename into new: %w", err)
	}

	return name, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// List returns the filenames present in the given subdirectory, sorted
// lexically (which, given the filename format, is chronological).
func (s *Store) List(user string, sub Subdir) ([]string, error) {
	if err := s.ensureDirs(user); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.userDir(user), string(sub)))
	if err != nil {
		return nil, fmt.Errorf("maildir: list %s: %w", sub, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of messages in the given subdirectory.
func (s *Store) Count(user string, sub Subdir) (int, error) {
	names, err := s.List(user, sub)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Read returns the raw bytes of filename, searching new/ then cur/.
func (s *Store) Read(user, filename string) ([]byte, error) {
	for _, sub := range []Subdir{New, Cur} {
		path := filepath.Join(s.userDir(user), string(sub), filename)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("maildir: read %s: %w", filename, err)
		}
	}
	return nil, ErrNotFound
}

// Delete removes filename from new/ or cur/, whichever it is found in.
func (s *Store) Delete(user, filename string) error {
	for _, sub := range []Subdir{New, Cur} {
		path := filepath.Join(s.userDir(user), string(sub), filename)
		err := os.Remove(path)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("maildir: delete %s: %w", filename, err)
		}
	}
	return ErrNotFound
}

// MarkSeen ensures filename carries the \Seen flag, moving it from new/ to
// cur/ if necessary.
func (s *Store) MarkSeen(user, filename string) (string, error) {
	return s.SetFlags(user, filename, "S")
}

// SetFlags splices the given flag letters into filename's :2,<FLAGS>
// suffix, keeping the suffix lexically sorted and deduplicated. If the
// message is currently in new/, it is moved to cur/. Returns the new
// filename.
func (s *Store) SetFlags(user, filename, addFlags string) (string, error) {
	base, existing, found := ParseFlags(filename)
	if !found {
		base = filename
	}

	merged := mergeFlags(existing, addFlags)
	newName := base + ":2," + merged

	dir := s.userDir(user)
	newPath := filepath.Join(dir, string(Cur), newName)

	curPath := filepath.Join(dir, string(Cur), filename)
	if _, err := os.Stat(curPath); err == nil {
		if curPath == newPath {
			return filename, nil
		}
		if err := os.Rename(curPath, newPath); err != nil {
			return "", fmt.Errorf("maildir: rewrite flags: %w", err)
		}
		return newName, nil
	}

	newDirPath := filepath.Join(dir, string(New), filename)
	if _, err := os.Stat(newDirPath); err == nil {
		if err := os.Rename(newDirPath, newPath); err != nil {
			return "", fmt.Errorf("maildir: move new to cur: %w", err)
		}
		return newName, nil
	}

	return "", ErrNotFound
}

// ParseFlags splits a cur/ filename into its base (uniqueness) part and
// its flag letters, if present.
func ParseFlags(filename string) (base string, flags string, hasFlags bool) {
	idx := strings.Index(filename, ":2,")
	if idx < 0 {
		return filename, "", false
	}
	return filename[:idx], filename[idx+len(":2,"):], true
}

// mergeFlags combines two flag-letter sets, sorts, and deduplicates them.
func mergeFlags(existing, add string) string {
	set := make(map[byte]bool)
	for i := 0; i < len(existing); i++ {
		set[existing[i]] = true
	}
	for i := 0; i < len(add); i++ {
		set[add[i]] = true
	}
	letters := make([]byte, 0, len(set))
	for b := range set {
		letters = append(letters, b)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

