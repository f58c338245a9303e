package filestore

import (
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWriteRead(t *testing.T) {
	s := NewMemory()

	f, err := s.Create("000000000001")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, Sync(f))
	require.NoError(t, f.Close())

	size, err := s.Size("000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	r, err := s.OpenRead("000000000001")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCreateTruncates(t *testing.T) {
	s := NewMemory()
	require.NoError(t, util.WriteFile(s.Filesystem(), "000000000001", []byte("old data"), 0644))

	f, err := s.Create("000000000001")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	size, err := s.Size("000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestMissingFile(t *testing.T) {
	s := NewMemory()

	_, err := s.OpenRead("000000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.OpenWrite("000000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Size("000000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, s.Exists("000000000001"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := NewMemory()
	require.NoError(t, util.WriteFile(s.Filesystem(), "000000000001", []byte("x"), 0644))

	require.NoError(t, s.Remove("000000000001"))
	assert.False(t, s.Exists("000000000001"))
	require.NoError(t, s.Remove("000000000001"))
}

func TestList(t *testing.T) {
	s := NewMemory()
	require.NoError(t, util.WriteFile(s.Filesystem(), "000000000002", nil, 0644))
	require.NoError(t, util.WriteFile(s.Filesystem(), "000000000001", nil, 0644))
	require.NoError(t, s.Filesystem().MkdirAll("lost+found", 0755))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"000000000001", "000000000002"}, names)
}

func TestStatsUnavailableInMemory(t *testing.T) {
	_, err := NewMemory().Stats()
	assert.ErrorIs(t, err, ErrNoVolumeStats)
}

func TestDirStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDir(dir)
	require.NoError(t, err)

	f, err := s.Create("000000000001")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, Sync(f))
	require.NoError(t, f.Close())

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"000000000001"}, names)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.Total, int64(0))
	assert.GreaterOrEqual(t, st.Available, int64(0))
}
