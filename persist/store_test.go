package persist

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testStoreImplementation(t, NewMemoryStore())
}

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	testStoreImplementation(t, store)
}

func TestFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Type:   StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeFileSystem), store.GetType())
	require.NoError(t, store.Close())

	store, err = NewStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.Equal(t, string(StoreTypeMemory), store.GetType())

	_, err = NewStore(StoreConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: StoreTypeFileSystem})
	assert.Error(t, err, "filesystem store requires base_path")
}

// testStoreImplementation exercises the Store contract against any backend.
func testStoreImplementation(t *testing.T, store Store) {
	t.Helper()

	require.NoError(t, store.Ping())

	type collection struct {
		name   string
		save   func([]byte, string) (string, error)
		load   func() (*VersionedData, error)
		exists func() (bool, error)
	}

	collections := []collection{
		{"records", store.SaveRecords, store.LoadRecords, store.RecordsExist},
		{"drives", store.SaveDrives, store.LoadDrives, store.DrivesExist},
		{"backups", store.SaveBackupIndex, store.LoadBackupIndex, store.BackupIndexExists},
		{"salt", store.SaveSalt, store.LoadSalt, store.SaltExists},
	}

	for _, c := range collections {
		t.Run(c.name, func(t *testing.T) {
			// Nothing there yet.
			exists, err := c.exists()
			require.NoError(t, err)
			assert.False(t, exists)

			_, err = c.load()
			assert.Error(t, err, "load of missing collection must fail")

			// First save with empty expected version.
			v1, err := c.save([]byte("payload-one"), "")
			require.NoError(t, err)
			assert.NotEmpty(t, v1)

			exists, err = c.exists()
			require.NoError(t, err)
			assert.True(t, exists)

			loaded, err := c.load()
			require.NoError(t, err)
			assert.Equal(t, []byte("payload-one"), loaded.Data)
			assert.Equal(t, v1, loaded.Version)

			// Save with the observed version succeeds and changes it.
			v2, err := c.save([]byte("payload-two"), v1)
			require.NoError(t, err)
			assert.NotEqual(t, v1, v2)

			// Save with a stale version is a concurrency conflict.
			_, err = c.save([]byte("payload-three"), v1)
			require.Error(t, err)
			var conflict ConcurrencyError
			assert.True(t, errors.As(err, &conflict), "expected ConcurrencyError, got %T: %v", err, err)

			// The conflicting write did not go through.
			loaded, err = c.load()
			require.NoError(t, err)
			assert.Equal(t, []byte("payload-two"), loaded.Data)
		})
	}

	assert.NotEmpty(t, store.GetType())
	require.NoError(t, store.Close())
}

func TestFileSystemStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	v1, err := store.SaveRecords([]byte("survives"), "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadRecords()
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), loaded.Data)
	assert.Equal(t, v1, loaded.Version)
}

func TestFileSystemStoreRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.SaveSalt([]byte("salty"), "")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(),
			"file %s has loose permissions", entry.Name())
	}
}
