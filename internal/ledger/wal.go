package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stayledger/internal/config"
	appLog "stayledger/internal/log"
)

// Entry is one WAL line: a reservation plus the event that produced it.
type Entry struct {
	EventID     string         `json:"event_id"`
	Reservation reservationRow `json:"reservation"`
	AppendedAt  time.Time      `json:"appended_at"`
}

// rejectedEntry is one line of the <wal>.rejected file.
type rejectedEntry struct {
	Entry      *Entry    `json:"entry,omitempty"`
	Raw        string    `json:"raw,omitempty"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}

// drainAction tells WAL.drain what to do with a replayed entry.
type drainAction int

const (
	keepEntry drainAction = iota
	dropEntry
	rejectEntry
)

// WAL is an append-only JSON-lines log of reservations that could not reach
// the primary store.
//
// Appends use O_APPEND with one write per record and are serialised by an
// in-process mutex. A WAL path must not be shared between processes; run one
// file per process and reconcile each separately.
type WAL struct {
	path string

	mu      sync.Mutex
	pending map[string]bool
}

// OpenWAL opens (or creates) the log at path and indexes pending event ids.
func OpenWAL(path string) (*WAL, error) {
	if path == "" {
		return nil, errors.New("wal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	w := &WAL{path: path, pending: make(map[string]bool)}
	entries, corrupt, err := w.read()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		w.pending[e.EventID] = true
	}
	if len(corrupt) > 0 {
		appLog.Error("wal: unreadable lines found", errors.New("corrupt wal line"), "path", path, "count", len(corrupt))
	}
	return w, nil
}

// Path returns the log location.
func (w *WAL) Path() string { return w.path }

// RejectedPath is where entries that can never be replayed are kept.
func (w *WAL) RejectedPath() string { return w.path + ".rejected" }

// Has reports whether an event id is waiting in the log.
func (w *WAL) Has(eventID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[eventID]
}

// Len returns the number of pending entries.
func (w *WAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Append writes e as a single line. It returns false without writing when
// the event id is already pending.
func (w *WAL) Append(e Entry) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending[e.EventID] {
		return false, nil
	}
	if e.AppendedAt.IsZero() {
		e.AppendedAt = time.Now().UTC()
	}

	line, err := json.Marshal(&e)
	if err != nil {
		return false, err
	}
	if err := appendLine(w.path, line); err != nil {
		return false, err
	}
	w.pending[e.EventID] = true
	return true, nil
}

// Entries returns a snapshot of the pending entries in append order.
func (w *WAL) Entries() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries, _, err := w.read()
	return entries, err
}

// drain replays every pending entry through fn while holding the lock, then
// rewrites the log with the kept entries. Rejected entries and unreadable
// lines move to RejectedPath.
func (w *WAL) drain(fn func(Entry) (drainAction, string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, corrupt, err := w.read()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, raw := range corrupt {
		if err := w.reject(rejectedEntry{Raw: raw, Reason: "unreadable wal line", RejectedAt: now}); err != nil {
			return err
		}
	}

	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		action, reason := fn(e)
		switch action {
		case dropEntry:
		case rejectEntry:
			entry := e
			if err := w.reject(rejectedEntry{Entry: &entry, Reason: reason, RejectedAt: now}); err != nil {
				// Keep it in the WAL rather than lose it.
				appLog.Error("wal: failed to record rejected entry", err, "event_id", e.EventID)
				kept = append(kept, e)
			}
		default:
			kept = append(kept, e)
		}
	}

	if len(corrupt) == 0 && len(kept) == len(entries) {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range kept {
		line, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := config.WriteFileAtomic(w.path, buf.Bytes(), 0o600); err != nil {
		return err
	}

	w.pending = make(map[string]bool, len(kept))
	for _, e := range kept {
		w.pending[e.EventID] = true
	}
	return nil
}

func (w *WAL) reject(r rejectedEntry) error {
	line, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	return appendLine(w.RejectedPath(), line)
}

// read parses the log. Lines that do not decode are returned separately.
func (w *WAL) read() ([]Entry, []string, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer f.Close()

	var (
		entries []Entry
		corrupt []string
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.EventID == "" {
			corrupt = append(corrupt, string(line))
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return entries, corrupt, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
