// Package media abstracts access to removable cold-storage drives. A Provider
// enumerates attached drives and reads or writes backup artifacts on them;
// trust decisions about those drives are made by the vault layer, never here.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// BackupDirName is the well-known directory created at the root of a backup
// drive to hold artifacts, one subdirectory per backup ID.
const BackupDirName = "ZapQuantumVault_Backups"

// ArtifactFileName is the artifact file within a backup's directory.
const ArtifactFileName = "backup.json"

// PhysicalDriveInfo describes an attached drive as observed by a Provider.
type PhysicalDriveInfo struct {
	// DevicePath is the OS-level device identifier, e.g. /dev/sdb1.
	DevicePath string `json:"device_path"`

	// MountPoint is where the drive's filesystem is mounted.
	MountPoint string `json:"mount_point"`

	// Label is the filesystem label, if any.
	Label string `json:"label,omitempty"`

	// Filesystem is the filesystem type, e.g. "ext4", "vfat".
	Filesystem string `json:"filesystem,omitempty"`

	// CapacityBytes is the total size of the filesystem.
	CapacityBytes uint64 `json:"capacity_bytes"`

	// FreeBytes is the space available to unprivileged writers.
	FreeBytes uint64 `json:"free_bytes"`

	// Removable indicates whether the OS reports the drive as removable.
	Removable bool `json:"removable"`
}

// Identity derives the stable drive ID for this drive. See DriveIdentity.
func (d PhysicalDriveInfo) Identity() string {
	return DriveIdentity(d.DevicePath, d.CapacityBytes)
}

// Container is the JSON envelope written to media for every backup artifact.
// Everything needed to restore is inside EncryptedData; the remaining fields
// allow inspection and integrity checking without a password.
type Container struct {
	// BackupID is the UUID assigned to the backup at creation time.
	BackupID string `json:"backup_id"`

	// CreatedAt is when the artifact was produced.
	CreatedAt time.Time `json:"created_at"`

	// DriveID identifies the drive this artifact was written to.
	DriveID string `json:"drive_id"`

	// VaultVersion is the custody library version that wrote the artifact.
	VaultVersion string `json:"vault_version"`

	// ContainerVersion is the version of this envelope format.
	ContainerVersion string `json:"container_version"`

	// EncryptionMethod names the scheme protecting EncryptedData, e.g.
	// "pbkdf2-chacha20poly1305" or "pbkdf2-chacha20poly1305+zstd" when the
	// payload was compressed before encryption.
	EncryptionMethod string `json:"encryption_method"`

	// Checksum is the hex SHA-256 of the raw encrypted payload bytes,
	// computed before base64 encoding.
	Checksum string `json:"checksum"`

	// EncryptedData is the base64-encoded encrypted payload.
	EncryptedData string `json:"encrypted_data"`
}

// Provider enumerates drives and moves artifact bytes on and off them.
//
// Implementations must write artifacts atomically: a crash mid-write must
// never leave a partial artifact visible under the backup directory.
type Provider interface {
	// ListDrives returns the currently attached drives.
	ListDrives() ([]PhysicalDriveInfo, error)

	// WriteArtifact stores data as the artifact for backupID on the drive
	// at devicePath and returns the absolute artifact location.
	WriteArtifact(ctx context.Context, devicePath, backupID string, data []byte) (string, error)

	// ReadArtifact returns the artifact bytes for backupID from the drive
	// at devicePath.
	ReadArtifact(ctx context.Context, devicePath, backupID string) ([]byte, error)

	// RemoveArtifact deletes the artifact directory for backupID.
	RemoveArtifact(ctx context.Context, devicePath, backupID string) error

	// Eject flushes writes and releases the drive at devicePath.
	Eject(devicePath string) error
}

// DriveIdentity computes the stable identifier for a drive from its device
// path and capacity. Reformatting a drive keeps its identity; swapping in a
// different drive on the same device path changes it (capacity differs), so
// trust does not silently transfer between physical media of different sizes.
func DriveIdentity(devicePath string, capacityBytes uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", devicePath, capacityBytes)))
	return "drive_" + hex.EncodeToString(sum[:8])
}
