// Package snapshot keeps captured screenshots on disk, one image file plus a
// JSON metadata sidecar per capture. Sidecars are indexed in memory when the
// store opens.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("snapshot not found")

// SnapshotMeta describes a stored capture.
type SnapshotMeta struct {
	ID           string    `json:"id"`
	CommandID    string    `json:"command_id,omitempty"`
	TabID        int       `json:"tab_id"`
	Format       string    `json:"format"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SourceWidth  int       `json:"source_width,omitempty"`
	SourceHeight int       `json:"source_height,omitempty"`
	Cursor       bool      `json:"cursor"`
	SizeBytes    int       `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	Notes        string    `json:"notes,omitempty"`
}

type Store struct {
	dir string

	mu    sync.RWMutex
	index map[string]SnapshotMeta
}

// NewStore opens dir, creating it if needed, and indexes existing sidecars.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, index: make(map[string]SnapshotMeta)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// NewID returns a fresh snapshot id.
func NewID() string { return uuid.NewString() }

// Snapshot ids are canonical lowercase UUIDs so they can never name a path
// outside the store.
func checkID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("invalid snapshot id: %q", id)
	}
	return nil
}

func (s *Store) sidecarPath(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *Store) imagePath(meta SnapshotMeta) string {
	return filepath.Join(s.dir, meta.ID+"."+meta.Format)
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("snapshot store: read dir: %w", err)
	}
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || checkID(id) != nil {
			continue
		}
		data, err := os.ReadFile(s.sidecarPath(id))
		if err != nil {
			continue
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.ID != id {
			slog.Debug("snapshot sidecar unreadable", "snapshot_id", id, "error", err)
			continue
		}
		s.index[id] = meta
	}
	if len(s.index) > 0 {
		slog.Debug("snapshot store indexed", "dir", s.dir, "count", len(s.index))
	}
	return nil
}

// writeAtomic writes through a temp file so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Save stores the image and its sidecar. The image lands first so an indexed
// sidecar always has its image.
func (s *Store) Save(meta SnapshotMeta, image []byte) error {
	if err := checkID(meta.ID); err != nil {
		return err
	}
	if meta.Format == "" {
		return fmt.Errorf("snapshot store: missing format for %s", meta.ID)
	}
	meta.SizeBytes = len(image)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot store: encode meta: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.imagePath(meta), image); err != nil {
		return fmt.Errorf("snapshot store: write image: %w", err)
	}
	if err := writeAtomic(s.sidecarPath(meta.ID), sidecar); err != nil {
		_ = os.Remove(s.imagePath(meta))
		return fmt.Errorf("snapshot store: write meta: %w", err)
	}
	s.index[meta.ID] = meta

	slog.Debug("snapshot saved", "snapshot_id", meta.ID, "tab_id", meta.TabID, "size_bytes", meta.SizeBytes)
	return nil
}

func (s *Store) lookup(id string) (SnapshotMeta, error) {
	if err := checkID(id); err != nil {
		return SnapshotMeta{}, err
	}
	meta, ok := s.index[id]
	if !ok {
		return SnapshotMeta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return meta, nil
}

func (s *Store) Get(id string) (SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(id)
}

// List returns all snapshots, newest first.
func (s *Store) List() ([]SnapshotMeta, error) {
	s.mu.RLock()
	metas := make([]SnapshotMeta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, m)
	}
	s.mu.RUnlock()

	slices.SortFunc(metas, func(a, b SnapshotMeta) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return metas, nil
}

// ReadImage returns the image bytes and their format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, err := s.lookup(id)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.imagePath(meta))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: image for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("snapshot store: read image: %w", err)
	}
	return data, meta.Format, nil
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	meta, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.imagePath(meta)); err != nil {
		slog.Debug("snapshot image cleanup failed", "snapshot_id", id, "error", err)
	}
	if err := os.Remove(s.sidecarPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot store: remove meta: %w", err)
	}
	delete(s.index, id)
	return nil
}

// Prune deletes the oldest snapshots beyond keep and reports how many went.
// keep <= 0 disables pruning.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	metas, err := s.List()
	if err != nil || len(metas) <= keep {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, meta := range metas[keep:] {
		if err := s.deleteLocked(meta.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		slog.Debug("snapshots pruned", "removed", removed, "keep", keep)
	}
	return removed, nil
}
