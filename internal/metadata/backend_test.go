package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicastore/replicastore/internal/replica"
)

func TestMain(m *testing.M) {
	_ = os.Setenv("REPLICASTORE_TEST", "1")
	os.Exit(m.Run())
}

func sampleRecord(id string) Record {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return Record{
		ID:         id,
		State:      replica.Precious,
		Size:       1024,
		CreatedAt:  now,
		LastAccess: now,
		Sticky:     []replica.StickyRecord{{Owner: "system", Expire: replica.StickyForever}},
		Attributes: replica.Attributes{
			ID:        id,
			Size:      1024,
			Checksums: []replica.Checksum{{Type: "ADLER32", Value: "0a0b0c0d"}},
		},
	}
}

func testBackend(t *testing.T, b Backend) {
	t.Helper()

	ids, err := b.Index()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = b.Load("000000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := sampleRecord("000000000001")
	require.NoError(t, b.Save(rec))
	require.NoError(t, b.Save(sampleRecord("000000000002")))

	got, err := b.Load("000000000001")
	require.NoError(t, err)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Size, got.Size)
	assert.Equal(t, rec.Sticky, got.Sticky)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.Attributes.Checksums, got.Attributes.Checksums)

	rec.State = replica.Cached
	require.NoError(t, b.Save(rec))
	got, err = b.Load("000000000001")
	require.NoError(t, err)
	assert.Equal(t, replica.Cached, got.State)

	ids, err = b.Index()
	require.NoError(t, err)
	assert.Equal(t, []string{"000000000001", "000000000002"}, ids)

	require.NoError(t, b.Delete("000000000001"))
	require.NoError(t, b.Delete("000000000001"), "delete must be idempotent")
	_, err = b.Load("000000000001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend(t *testing.T) {
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "meta"))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	testBackend(t, b)
}

func TestFileBackendDropsTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000000003.json.tmp"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0644))

	ids, err := b.Index()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = os.Stat(filepath.Join(dir, "000000000003.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000000001.json"), []byte("not json"), 0644))
	_, err = b.Load("000000000001")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestBoltBackend(t *testing.T) {
	b, err := NewBoltBackend(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	testBackend(t, b)
}

func TestBoltBackendReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBoltBackend(dir)
	require.NoError(t, err)
	require.NoError(t, b.Save(sampleRecord("000000000001")))
	require.NoError(t, b.Close())

	b, err = NewBoltBackend(dir)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	got, err := b.Load("000000000001")
	require.NoError(t, err)
	assert.Equal(t, replica.Precious, got.State)
}
