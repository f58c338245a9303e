// Package filestore maps replica ids to data files. It carries no policy:
// states, sizes and space accounting live in the repository.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

var (
	// ErrNotFound is returned when no data file exists for an id.
	ErrNotFound = errors.New("data file not found")

	// ErrNoVolumeStats is returned by Stats for filesystems that are not
	// backed by a local volume.
	ErrNoVolumeStats = errors.New("volume statistics not available")
)

// Store holds one data file per replica id directly below its root.
type Store struct {
	fs   billy.Filesystem
	root string // local directory for volume statistics, empty for memory
}

// New wraps an existing billy filesystem. root names the local directory
// backing fs and may be empty, in which case Stats is unavailable.
func New(fs billy.Filesystem, root string) *Store {
	return &Store{fs: fs, root: root}
}

// NewDir creates a store rooted at a local directory, creating it if needed.
func NewDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return New(osfs.New(dir), dir), nil
}

// NewMemory creates a store kept entirely in memory.
func NewMemory() *Store {
	return New(memfs.New(), "")
}

// Filesystem exposes the underlying filesystem.
func (s *Store) Filesystem() billy.Filesystem {
	return s.fs
}

// Create creates or truncates the data file of id for reading and writing.
func (s *Store) Create(id string) (billy.File, error) {
	f, err := s.fs.OpenFile(id, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create data file %s: %w", id, err)
	}
	return f, nil
}

// OpenRead opens the data file of id read-only.
func (s *Store) OpenRead(id string) (billy.File, error) {
	f, err := s.fs.Open(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open data file %s: %w", id, err)
	}
	return f, nil
}

// OpenWrite opens an existing data file of id for reading and writing.
func (s *Store) OpenWrite(id string) (billy.File, error) {
	f, err := s.fs.OpenFile(id, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("open data file %s: %w", id, err)
	}
	return f, nil
}

// Exists reports whether a data file exists for id.
func (s *Store) Exists(id string) bool {
	_, err := s.fs.Stat(id)
	return err == nil
}

// Size returns the length of the data file of id.
func (s *Store) Size(id string) (int64, error) {
	fi, err := s.fs.Stat(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("stat data file %s: %w", id, err)
	}
	return fi.Size(), nil
}

// Remove deletes the data file of id. Removing a missing file succeeds.
func (s *Store) Remove(id string) error {
	if err := s.fs.Remove(id); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove data file %s: %w", id, err)
	}
	return nil
}

// List returns the names of all regular files in the store, sorted.
func (s *Store) List() ([]string, error) {
	infos, err := s.fs.ReadDir("")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list data files: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

// VolumeStats describes the filesystem holding the store.
type VolumeStats struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
}

// Stats returns statistics of the volume holding the store.
func (s *Store) Stats() (VolumeStats, error) {
	if s.root == "" {
		return VolumeStats{}, ErrNoVolumeStats
	}
	total, used, available, err := volumeStats(s.root)
	if err != nil {
		return VolumeStats{}, err
	}
	return VolumeStats{Total: total, Used: used, Available: available}, nil
}

// Sync flushes f to stable storage if the file supports it.
func Sync(f billy.File) error {
	if sf, ok := f.(interface{ Sync() error }); ok {
		return sf.Sync()
	}
	return nil
}
