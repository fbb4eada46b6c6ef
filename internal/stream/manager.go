package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentz/agentz/internal/logging"
)

// Manager owns the registry stream and lazily opens/caches per-session
// streams. One Manager per process.
type Manager struct {
	layout   Layout
	logger   *logging.Logger
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*SessionStream
}

// Open opens the registry stream at layout.RegistryPath(), creating
// parent directories as needed, and returns a ready Manager.
func Open(layout Layout, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(filepath.Dir(layout.RegistryPath()), 0755); err != nil {
		return nil, fmt.Errorf("stream: create registry dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(layout.SessionPath("x")), 0755); err != nil {
		return nil, fmt.Errorf("stream: create sessions dir: %w", err)
	}

	regLog, err := OpenLog(layout.RegistryPath(), logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		layout:   layout,
		logger:   logger,
		registry: NewRegistry(regLog),
		sessions: make(map[string]*SessionStream),
	}, nil
}

// Registry returns the global registry stream.
func (m *Manager) Registry() *Registry { return m.registry }

// Session returns (opening if necessary) the per-session stream for id.
func (m *Manager) Session(id string) (*SessionStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	log, err := OpenLog(m.layout.SessionPath(id), m.logger)
	if err != nil {
		return nil, fmt.Errorf("stream: open session stream %s: %w", id, err)
	}
	s := NewSessionStream(log)
	m.sessions[id] = s
	return s, nil
}

// CloseSession closes and evicts a cached per-session stream (used by
// delete()); stream files themselves are left on disk for audit per
// spec's delete() contract.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return s.Close()
}

// Close closes the registry stream and every cached session stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
