package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const recordSuffix = ".json"

// FileBackend stores one JSON document per record in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+recordSuffix)
}

// Index lists the ids of all record files. Leftover temporary files from
// an interrupted write are removed.
func (b *FileBackend) Index() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read metadata directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(b.dir, name))
			continue
		}
		if !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and decodes the record of id.
func (b *FileBackend) Load(id string) (Record, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return Record{}, fmt.Errorf("read metadata %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	if rec.ID != id {
		return Record{}, fmt.Errorf("metadata %s names replica %q", id, rec.ID)
	}
	return rec, nil
}

// Save writes the record to a temporary file and renames it into place so
// a crash never leaves a truncated record behind.
func (b *FileBackend) Save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", rec.ID, err)
	}
	target := b.path(rec.ID)
	tmp := target + ".tmp"
	if err := syncedWriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write metadata %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename metadata %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record file of id.
func (b *FileBackend) Delete(id string) error {
	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete metadata %s: %w", id, err)
	}
	return nil
}

// Close is a no-op.
func (b *FileBackend) Close() error {
	return nil
}

// syncedWriteFile writes data to path and fsyncs it. Tests set
// REPLICASTORE_TEST=1 to skip the fsync.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}

	if os.Getenv("REPLICASTORE_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}
