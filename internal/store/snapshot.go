// Package store implements the session snapshot store (spec §4.5): a
// JSON-on-disk optimization over the canonical append-only stream. A
// snapshot lets a restart skip full-stream replay for sessions whose
// stream offset matches, but it is never authoritative — the stream
// always is.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/logging"
	"github.com/agentz/agentz/internal/session"
)

// flushWindow and flushChunkThreshold implement the coalescing rule:
// flush at most once per flushWindow, or immediately once
// flushChunkThreshold chunks have accumulated unflushed (spec §4.5).
const (
	flushWindow         = 200 * time.Millisecond
	flushChunkThreshold = 32
)

// Snapshot is the on-disk representation of one session.
type Snapshot struct {
	Version int             `json:"version"`
	Session *session.Session `json:"session"`
	Offset  uint64          `json:"offset"` // stream offset this snapshot reflects
}

const schemaVersion = 1

// Store persists session snapshots to `<dir>/<id>.json`, coalescing
// writes behind a flush timer.
type Store struct {
	dir    string
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

type pendingWrite struct {
	snap     Snapshot
	dirty    int
	timer    *time.Timer
}

// Open creates (if needed) dir and returns a Store rooted there.
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create snapshot dir: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		dir:     dir,
		logger:  logger.WithFields(zap.String("component", "session-store")),
		pending: make(map[string]*pendingWrite),
	}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Stage schedules a session for a coalesced flush: immediately once
// chunksSinceLast brings the unflushed count to flushChunkThreshold,
// otherwise when the flushWindow timer started by the first unflushed
// Stage fires (later Stages do not restart it).
func (s *Store) Stage(sess *session.Session, offset uint64, chunksSinceLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.pending[sess.ID]
	if !ok {
		pw = &pendingWrite{}
		s.pending[sess.ID] = pw
	}
	pw.snap = Snapshot{Version: schemaVersion, Session: sess, Offset: offset}
	pw.dirty += chunksSinceLast

	if pw.dirty >= flushChunkThreshold {
		if pw.timer != nil {
			pw.timer.Stop()
			pw.timer = nil
		}
		s.flushLocked(sess.ID, pw)
		return
	}

	if pw.timer == nil {
		pw.timer = time.AfterFunc(flushWindow, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cur, ok := s.pending[sess.ID]; ok {
				s.flushLocked(sess.ID, cur)
			}
		})
	}
}

// flushLocked writes pw's snapshot to disk. Caller holds s.mu.
func (s *Store) flushLocked(id string, pw *pendingWrite) {
	if err := s.writeFile(id, pw.snap); err != nil {
		s.logger.Warn("snapshot flush failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	pw.dirty = 0
	pw.timer = nil
}

// Flush forces an immediate write for one session, bypassing the
// coalescing window (used on graceful shutdown and terminal transitions).
func (s *Store) Flush(sess *session.Session, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pw, ok := s.pending[sess.ID]; ok && pw.timer != nil {
		pw.timer.Stop()
	}
	delete(s.pending, sess.ID)
	return s.writeFile(sess.ID, Snapshot{Version: schemaVersion, Session: sess, Offset: offset})
}

// writeFile writes the snapshot atomically via a temp file + rename.
func (s *Store) writeFile(id string, snap Snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	final := s.path(id)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}

// ErrSchemaMismatch is returned by Load when a snapshot's Version does
// not match schemaVersion.
var ErrSchemaMismatch = errors.New("store: snapshot schema mismatch")

// Load reads the snapshot for id. On a schema mismatch it renames the
// stale file aside (`<id>.json.bak.<ts>`) and returns ErrSchemaMismatch
// so the caller falls back to full stream replay (spec §4.5: "snapshot
// is an optimization only").
func (s *Store) Load(id string) (*Snapshot, error) {
	buf, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(bytes.TrimSpace(buf), &snap); err != nil {
		s.quarantine(id)
		return nil, ErrSchemaMismatch
	}
	if snap.Version != schemaVersion {
		s.quarantine(id)
		return nil, ErrSchemaMismatch
	}
	return &snap, nil
}

func (s *Store) quarantine(id string) {
	backup := s.path(id) + fmt.Sprintf(".bak.%d", time.Now().UnixNano())
	if err := os.Rename(s.path(id), backup); err != nil {
		s.logger.Warn("failed to quarantine incompatible snapshot", zap.String("session_id", id), zap.Error(err))
	}
}

// Delete removes a session's snapshot file and any pending flush timer.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if pw, ok := s.pending[id]; ok {
		if pw.timer != nil {
			pw.timer.Stop()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete snapshot: %w", err)
	}
	return nil
}

// Close flushes every pending write.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, pw := range s.pending {
		if pw.timer != nil {
			pw.timer.Stop()
		}
		if err := s.writeFile(id, pw.snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pending = make(map[string]*pendingWrite)
	return firstErr
}
