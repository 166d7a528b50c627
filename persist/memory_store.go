package persist

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and ephemeral setups.
// It applies the same optimistic concurrency rules as the durable backends.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*VersionedData
}

const (
	memKeyRecords = "records"
	memKeyDrives  = "drives"
	memKeyBackups = "backups"
	memKeySalt    = "salt"
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*VersionedData)}
}

func (m *MemoryStore) SaveRecords(encryptedRecords []byte, expectedVersion string) (string, error) {
	return m.save(memKeyRecords, encryptedRecords, expectedVersion, "SaveRecords")
}

func (m *MemoryStore) LoadRecords() (*VersionedData, error) {
	return m.load(memKeyRecords)
}

func (m *MemoryStore) RecordsExist() (bool, error) {
	return m.exists(memKeyRecords), nil
}

func (m *MemoryStore) SaveDrives(encryptedDrives []byte, expectedVersion string) (string, error) {
	return m.save(memKeyDrives, encryptedDrives, expectedVersion, "SaveDrives")
}

func (m *MemoryStore) LoadDrives() (*VersionedData, error) {
	return m.load(memKeyDrives)
}

func (m *MemoryStore) DrivesExist() (bool, error) {
	return m.exists(memKeyDrives), nil
}

func (m *MemoryStore) SaveBackupIndex(encryptedIndex []byte, expectedVersion string) (string, error) {
	return m.save(memKeyBackups, encryptedIndex, expectedVersion, "SaveBackupIndex")
}

func (m *MemoryStore) LoadBackupIndex() (*VersionedData, error) {
	return m.load(memKeyBackups)
}

func (m *MemoryStore) BackupIndexExists() (bool, error) {
	return m.exists(memKeyBackups), nil
}

func (m *MemoryStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	return m.save(memKeySalt, saltData, expectedVersion, "SaveSalt")
}

func (m *MemoryStore) LoadSalt() (*VersionedData, error) {
	return m.load(memKeySalt)
}

func (m *MemoryStore) SaltExists() (bool, error) {
	return m.exists(memKeySalt), nil
}

func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func (m *MemoryStore) save(key string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%s: data cannot be nil", operation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	currentVersion := ""
	if existing, ok := m.blobs[key]; ok {
		currentVersion = existing.Version
	}
	if expectedVersion != "" && currentVersion != expectedVersion {
		return "", ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       operation,
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	newVersion := calculateFileVersion(stored)
	m.blobs[key] = &VersionedData{
		Data:      stored,
		Version:   newVersion,
		Timestamp: time.Now(),
	}
	return newVersion, nil
}

func (m *MemoryStore) load(key string) (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing, ok := m.blobs[key]
	if !ok {
		return nil, os.ErrNotExist
	}

	out := make([]byte, len(existing.Data))
	copy(out, existing.Data)
	return &VersionedData{
		Data:      out,
		Version:   existing.Version,
		Timestamp: existing.Timestamp,
	}, nil
}

func (m *MemoryStore) exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok
}
