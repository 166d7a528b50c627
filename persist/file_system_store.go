package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// FileSystemStore implements Store for the local filesystem with optimistic
// concurrency control. Each collection lives in its own file:
//
//	basePath/custody.json     - store configuration and bookkeeping
//	basePath/records.meta     - encrypted key record collection
//	basePath/drives.meta      - encrypted media trust registry
//	basePath/backups.meta     - encrypted backup index
//	basePath/derivation.salt  - key derivation salt
//	basePath/temp/            - staging area for atomic writes
type FileSystemStore struct {
	basePath    string
	tempDir     string
	configPath  string
	recordsMeta string
	drivesMeta  string
	backupsMeta string
	saltPath    string
}

// storeConfig records when the store was created and last opened.
type storeConfig struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		tempDir:     filepath.Join(basePath, "temp"),
		configPath:  filepath.Join(basePath, "custody.json"),
		recordsMeta: filepath.Join(basePath, "records.meta"),
		drivesMeta:  filepath.Join(basePath, "drives.meta"),
		backupsMeta: filepath.Join(basePath, "backups.meta"),
		saltPath:    filepath.Join(basePath, "derivation.salt"),
	}

	for _, dir := range []string{fs.basePath, fs.tempDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeConfig() error {
	if _, err := os.Stat(fs.configPath); os.IsNotExist(err) {
		config := storeConfig{
			Version:    "1.0.0",
			CreatedAt:  time.Now(),
			LastAccess: time.Now(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.configPath, data, FilePermissions)
	}
	return nil
}

// SaveRecords stores the encrypted key record collection with optimistic
// concurrency control.
func (fs *FileSystemStore) SaveRecords(encryptedRecords []byte, expectedVersion string) (string, error) {
	return fs.saveCollection(fs.recordsMeta, encryptedRecords, expectedVersion, "SaveRecords")
}

// LoadRecords returns the versioned key record collection.
func (fs *FileSystemStore) LoadRecords() (*VersionedData, error) {
	return fs.loadFile(fs.recordsMeta, "key records")
}

func (fs *FileSystemStore) RecordsExist() (bool, error) {
	return fileExists(fs.recordsMeta)
}

// SaveDrives stores the encrypted media trust registry.
func (fs *FileSystemStore) SaveDrives(encryptedDrives []byte, expectedVersion string) (string, error) {
	return fs.saveCollection(fs.drivesMeta, encryptedDrives, expectedVersion, "SaveDrives")
}

// LoadDrives returns the versioned trust registry.
func (fs *FileSystemStore) LoadDrives() (*VersionedData, error) {
	return fs.loadFile(fs.drivesMeta, "trust registry")
}

func (fs *FileSystemStore) DrivesExist() (bool, error) {
	return fileExists(fs.drivesMeta)
}

// SaveBackupIndex stores the encrypted backup index.
func (fs *FileSystemStore) SaveBackupIndex(encryptedIndex []byte, expectedVersion string) (string, error) {
	return fs.saveCollection(fs.backupsMeta, encryptedIndex, expectedVersion, "SaveBackupIndex")
}

// LoadBackupIndex returns the versioned backup index.
func (fs *FileSystemStore) LoadBackupIndex() (*VersionedData, error) {
	return fs.loadFile(fs.backupsMeta, "backup index")
}

func (fs *FileSystemStore) BackupIndexExists() (bool, error) {
	return fileExists(fs.backupsMeta)
}

// SaveSalt stores the derivation salt with optimistic concurrency control.
func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.saltPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSalt",
			}
		}
	}

	metadata := map[string]string{
		"created-at": time.Now().UTC().Format(time.RFC3339),
		"kind":       "derivation-salt",
	}
	if err := writeSecureFileWithMetadata(fs.saltPath, saltData, FilePermissions, metadata); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}

	return calculateFileVersion(saltData), nil
}

// LoadSalt returns the versioned derivation salt.
func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	if _, err := os.Stat(fs.saltPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("salt not found")
	}

	saltData, err := os.ReadFile(fs.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	// Prefer the creation timestamp from the sidecar metadata, fall back to
	// the file modification time for legacy files.
	var timestamp time.Time
	if metadata, err := readMetadata(fs.saltPath); err == nil {
		if createdAt, ok := metadata["created-at"]; ok {
			if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
				timestamp = parsed
			}
		}
	}
	if timestamp.IsZero() {
		if fileInfo, err := os.Stat(fs.saltPath); err == nil {
			timestamp = fileInfo.ModTime()
		}
	}

	return &VersionedData{
		Data:      saltData,
		Version:   calculateFileVersion(saltData),
		Timestamp: timestamp,
	}, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping verifies the base directory is still reachable.
func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.configPath); err == nil {
		var config storeConfig
		if err := json.Unmarshal(configData, &config); err == nil {
			config.LastAccess = time.Now()
			if updatedData, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.configPath, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

// saveCollection writes an encrypted collection blob after validating the
// caller's expected version against what is currently on disk.
func (fs *FileSystemStore) saveCollection(path string, data []byte, expectedVersion, operation string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%s: data cannot be nil", operation)
	}
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) loadFile(path, what string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Helper methods for versioning support
func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFileWithMetadata(filePath string, data []byte, perm os.FileMode, metadata map[string]string) error {
	if err := writeSecureFile(filePath, data, perm); err != nil {
		return err
	}

	metadataPath := filePath + ".meta"
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return writeSecureFile(metadataPath, metadataBytes, perm)
}

func readMetadata(filePath string) (map[string]string, error) {
	metadataPath := filePath + ".meta"
	metadataBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if err = json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// writeSecureFile writes data through a temp file in the same directory and
// renames it into place, so readers never observe a partial write.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
