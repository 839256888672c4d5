package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/windrose-io/windrose/internal/config"
)

// FileStateStore persists one JSON document per source under a state
// directory. It is the fallback backend the state store adopts when the
// database is unreachable, and the primary backend for deployments that run
// without PostgreSQL.
//
// Writes go through a temp file and an atomic rename, so a crash mid-write
// never leaves a torn document behind.
type FileStateStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStateStore creates a file-backed state store rooted at dir
// (WINDROSE_STATE_DIR when empty). The directory is created if absent.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if dir == "" {
		dir = config.GetEnvStr("WINDROSE_STATE_DIR", filepath.Join(os.TempDir(), "windrose-state"))
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory %q: %w", dir, err)
	}

	return &FileStateStore{
		dir: dir,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Load reads one source's state document. Returns ErrSourceStateNotFound
// when no document exists and ErrStateCorrupted when it cannot be decoded.
func (f *FileStateStore) Load(sourceID string) (*SourceState, error) {
	data, err := os.ReadFile(f.path(sourceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
		}

		return nil, fmt.Errorf("reading state for %q: %w", sourceID, err)
	}

	var state SourceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrStateCorrupted, sourceID, err)
	}

	if state.Streams == nil {
		state.Streams = make(map[string]*StreamState)
	}

	return &state, nil
}

// Save writes one source's state document atomically.
func (f *FileStateStore) Save(state *SourceState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for %q: %w", state.SourceID, err)
	}

	target := f.path(state.SourceID)

	tmp, err := os.CreateTemp(f.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("staging state for %q: %w", state.SourceID, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("writing state for %q: %w", state.SourceID, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("writing state for %q: %w", state.SourceID, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("committing state for %q: %w", state.SourceID, err)
	}

	return nil
}

// Delete removes one source's state document. Deleting an absent document
// is not an error.
func (f *FileStateStore) Delete(sourceID string) error {
	err := os.Remove(f.path(sourceID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting state for %q: %w", sourceID, err)
	}

	return nil
}

// List returns every persisted source state. Corrupted documents are logged
// and skipped rather than failing the listing.
func (f *FileStateStore) List() ([]*SourceState, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state directory: %w", err)
	}

	var states []*SourceState

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		sourceID := strings.TrimSuffix(name, ".json")

		state, err := f.Load(sourceID)
		if err != nil {
			f.logger.Warn("skipping unreadable state document",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)

			continue
		}

		states = append(states, state)
	}

	return states, nil
}

// path maps a source ID onto its document path. The ID is sanitized with
// the identifier rule so hostile IDs cannot escape the state directory.
func (f *FileStateStore) path(sourceID string) string {
	return filepath.Join(f.dir, sanitizeIdentifier(sourceID)+".json")
}
