// Package snapshot persists the metrics aggregator's state to disk so a
// restart does not lose counters accumulated since the last process start.
// There is no WAL to replay against it: comfymw keeps no durable job log,
// so a snapshot is just the latest metrics.Collector.Snapshot(), written
// atomically on an interval.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wiredfox/comfymw/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const schemaVersion = 1

// envelope wraps the persisted snapshot with a version tag so a future
// schema change can refuse to load an old file outright rather than
// guessing at missing fields.
type envelope struct {
	SchemaVer int                  `json:"schema_ver"`
	Snapshot  types.MetricsSnapshot `json:"snapshot"`
}

// Manager writes and reads the metrics snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically persists snap: write to a temp file in the same
// directory, then os.Rename over the target, which POSIX guarantees is
// atomic. A crash mid-write leaves the previous snapshot intact.
func (m *Manager) Write(snap types.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := envelope{SchemaVer: schemaVersion, Snapshot: snap}
	jsonBytes, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is not an error: it means
// this is the first run, and the caller gets a zero-value snapshot.
func (m *Manager) Load() (types.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.MetricsSnapshot{
				ByWorker: make(map[types.WorkerID]types.WorkerCounts),
				ByKind:   make(map[types.JobKind]int64),
			}, nil
		}
		return types.MetricsSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return types.MetricsSnapshot{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != schemaVersion {
		return types.MetricsSnapshot{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, schemaVersion)
	}
	if env.Snapshot.ByWorker == nil {
		env.Snapshot.ByWorker = make(map[types.WorkerID]types.WorkerCounts)
	}
	if env.Snapshot.ByKind == nil {
		env.Snapshot.ByKind = make(map[types.JobKind]int64)
	}
	return env.Snapshot, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string {
	return m.path
}

// EnsureDir creates the snapshot file's parent directory if missing, so
// callers can point at a fresh path without pre-creating it.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
