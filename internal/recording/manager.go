package recording

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sipserv/sipserv/internal/call"
)

// RecorderFactory creates a recorder bound to a call.
type RecorderFactory interface {
	CreateRecorder(callID, path string) (call.Recorder, error)
}

// Manager owns the recorder handle of the current call. At most one
// recorder is open at a time; releasing it finalizes the WAV file and marks
// the path as collectable for the post-call hook.
type Manager struct {
	factory RecorderFactory
	dir     string
	enabled bool
	logger  *slog.Logger

	mu       sync.Mutex
	active   call.Recorder
	path     string
	finished string
}

// NewManager creates a manager writing into dir. When enabled is false,
// StartIfEnabled is a no-op.
func NewManager(factory RecorderFactory, dir string, enabled bool) *Manager {
	if dir == "" {
		dir = "."
	}
	return &Manager{
		factory: factory,
		dir:     dir,
		enabled: enabled,
		logger:  slog.Default().With("component", "recording"),
	}
}

// Enabled reports whether calls are recorded.
func (m *Manager) Enabled() bool { return m.enabled }

// Dir returns the recordings directory.
func (m *Manager) Dir() string { return m.dir }

// StartIfEnabled opens a recorder for sess. Any recorder still open is
// released first.
func (m *Manager) StartIfEnabled(sess *call.Session) error {
	if !m.enabled {
		return nil
	}
	m.Stop()

	path := filepath.Join(m.dir, sess.Filename)
	rec, err := m.factory.CreateRecorder(sess.CallID, path)
	if err != nil {
		return fmt.Errorf("creating recorder for %s: %w", path, err)
	}

	m.mu.Lock()
	m.active = rec
	m.path = path
	m.mu.Unlock()

	m.logger.Info("recording started", "call_id", sess.CallID, "path", path)
	return nil
}

// Stop releases the active recorder, if any. It returns true when a
// recorder was released.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	rec, path := m.active, m.path
	m.active = nil
	m.path = ""
	if rec != nil {
		m.finished = path
	}
	m.mu.Unlock()

	if rec == nil {
		return false
	}
	if err := rec.Close(); err != nil {
		m.logger.Error("failed to finalize recording", "path", path, "error", err)
	} else {
		m.logger.Info("recording stopped", "path", path)
	}
	return true
}

// Active reports whether a recorder is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Collect returns the path of a recording finalized since the last call
// to Collect.
func (m *Manager) Collect() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.finished
	m.finished = ""
	return path, path != ""
}

// Recording reports whether path is the file currently being written.
func (m *Manager) Recording(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && filepath.Clean(m.path) == filepath.Clean(path)
}
