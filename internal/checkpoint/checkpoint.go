// Package checkpoint records the last durably stored cursor of a job so an
// interrupted run can be resumed. The ingest engine never reads it back; it
// only reports progress here.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents a job's progress.
type Checkpoint struct {
	RunID      string      `json:"run_id"`
	Name       string      `json:"name"`
	Symbol     string      `json:"symbol"`
	First      uint64      `json:"first"`
	Last       uint64      `json:"last"`
	Cursor     uint64      `json:"cursor"`
	LastWindow *WindowInfo `json:"last_window,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// WindowInfo describes the last stored window.
type WindowInfo struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Key      string `json:"key"`
	Checksum string `json:"checksum,omitempty"`
}

// Done reports whether the checkpointed job reached its last ID.
func (cp *Checkpoint) Done() bool {
	return cp.Cursor >= cp.Last
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for symbol.
	Load(ctx context.Context, symbol string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return NoopManager(), nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files, one per symbol.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(symbol string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(symbol)
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", name))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, symbol string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.Symbol == "" {
		return fmt.Errorf("checkpoint has no symbol")
	}
	path := m.checkpointPath(cp.Symbol)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// NoopManager returns a manager that stores nothing.
func NoopManager() Manager {
	return noopManager{}
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (noopManager) Load(ctx context.Context, symbol string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
