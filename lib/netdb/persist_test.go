package netdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveUpdatedWritesDirtyRecordsAndClearsFlag(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewPendingLookups())
	h := hashOf(1)
	s.AddRouter(h, []byte("payload"), time.Now().UnixMilli(), false, false)

	require.NoError(t, s.SaveUpdated(dir))

	path := recordPath(dir, h)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	r, _ := s.FindRouter(h)
	assert.False(t, r.Updated())
	assert.Empty(t, r.RawBuffer())
}

func TestSaveUpdatedEvictsStaleIntroducerRouter(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewPendingLookups())
	h := hashOf(2)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	s.AddRouter(h, []byte("stale"), old, false, true)
	require.NoError(t, s.SaveUpdated(dir))

	_, ok := s.FindRouter(h)
	assert.False(t, ok)
	_, err := os.Stat(recordPath(dir, h))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadPopulatesStoreFromShardedDirectory(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewPendingLookups())
	h := hashOf(3)
	s.AddRouter(h, []byte("on-disk"), time.Now().UnixMilli(), false, false)
	require.NoError(t, s.SaveUpdated(dir))

	shardDir := filepath.Join(dir, "r"+string(shardChar(h)))
	entries, err := os.ReadDir(shardDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	loaded := NewStore(NewPendingLookups())
	require.NoError(t, loaded.Load(dir))

	r, ok := loaded.FindRouter(h)
	require.True(t, ok)
	assert.Equal(t, []byte("on-disk"), r.RawBuffer())
}

func TestLoadSkipsStaleIntroducerRecords(t *testing.T) {
	dir := t.TempDir()
	h := hashOf(4)
	path := recordPath(dir, h)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	require.NoError(t, os.Chtimes(path, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))

	s := NewStore(NewPendingLookups())
	s.SetDescriptorDecoder(func(raw []byte) (bool, bool) { return false, true })
	require.NoError(t, s.Load(dir))

	_, ok := s.FindRouter(h)
	assert.False(t, ok)
}

func TestLoadOnMissingDirectoryIsNotAnError(t *testing.T) {
	s := NewStore(NewPendingLookups())
	assert.NoError(t, s.Load(filepath.Join(t.TempDir(), "does-not-exist")))
}
