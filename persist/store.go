package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting custody vault state.
//
// The vault keeps three collections: key records, the media trust registry,
// and the backup index. Each collection is serialized and encrypted by the
// vault layer before it reaches this interface, so implementations only ever
// see opaque byte blobs. Every Save method takes the version the caller last
// observed and returns the new version, enabling optimistic concurrency
// control; a mismatch is reported as a ConcurrencyError.
type Store interface {

	// Key record collection

	SaveRecords(encryptedRecords []byte, expectedVersion string) (newVersion string, err error)

	// LoadRecords retrieves the encrypted key record collection.
	// Returns an error if the operation fails or if no records exist.
	LoadRecords() (*VersionedData, error)

	// RecordsExist checks if a key record collection is present.
	RecordsExist() (bool, error)

	// Media trust registry

	SaveDrives(encryptedDrives []byte, expectedVersion string) (newVersion string, err error)

	// LoadDrives retrieves the encrypted trust registry.
	// Returns an error if the operation fails or if no registry exists.
	LoadDrives() (*VersionedData, error)

	// DrivesExist checks if a trust registry is present.
	DrivesExist() (bool, error)

	// Backup index

	SaveBackupIndex(encryptedIndex []byte, expectedVersion string) (newVersion string, err error)

	// LoadBackupIndex retrieves the encrypted backup index.
	// Returns an error if the operation fails or if no index exists.
	LoadBackupIndex() (*VersionedData, error)

	// BackupIndexExists checks if a backup index is present.
	BackupIndexExists() (bool, error)

	// Derivation salt

	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	// LoadSalt retrieves the key derivation salt.
	// Returns an error if the operation fails or if no salt exists.
	LoadSalt() (*VersionedData, error)

	// SaltExists checks if a derivation salt is present.
	SaltExists() (bool, error)

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	// GetType identifies the backend, e.g. "filesystem", "s3", "memory".
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/custody"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings. The keys depend on the
	// chosen Type; for StoreTypeS3 this includes entries like "bucket_name"
	// and "region", for StoreTypeFileSystem a "base_path".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	// StoreTypeFileSystem stores vault state on the local filesystem.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores vault state in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeMemory keeps vault state in process memory. Used in tests.
	StoreTypeMemory StoreType = "memory"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
