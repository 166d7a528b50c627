package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	filePermissions os.FileMode = 0600
	dirPermissions  os.FileMode = 0700
)

// LocalProvider implements Provider over a directory of mounted filesystems.
// Every immediate subdirectory of root is treated as one mounted drive, which
// matches udisks-style automount layouts (/media/<user>, /run/media/<user>)
// and also makes the provider trivially testable against a temp directory.
type LocalProvider struct {
	root string
}

// NewLocalProvider returns a provider rooted at root. The directory must
// already exist.
func NewLocalProvider(root string) (*LocalProvider, error) {
	if root == "" {
		return nil, fmt.Errorf("media root is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("media root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media root %s is not a directory", root)
	}
	return &LocalProvider{root: root}, nil
}

// ListDrives enumerates the mounted drives under the provider root.
func (p *LocalProvider) ListDrives() ([]PhysicalDriveInfo, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read media root: %w", err)
	}

	var drives []PhysicalDriveInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		mountPoint := filepath.Join(p.root, entry.Name())
		capacity, free := filesystemUsage(mountPoint)

		drives = append(drives, PhysicalDriveInfo{
			DevicePath:    mountPoint,
			MountPoint:    mountPoint,
			Label:         entry.Name(),
			Filesystem:    filesystemType(mountPoint),
			CapacityBytes: capacity,
			FreeBytes:     free,
			Removable:     true,
		})
	}
	return drives, nil
}

// WriteArtifact writes data under <mount>/ZapQuantumVault_Backups/<backupID>/
// through a temp file plus rename, so a crash never leaves a partial artifact
// at the final path.
func (p *LocalProvider) WriteArtifact(ctx context.Context, devicePath, backupID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateBackupID(backupID); err != nil {
		return "", err
	}

	mountPoint, err := p.resolveMount(devicePath)
	if err != nil {
		return "", err
	}

	artifactDir := filepath.Join(mountPoint, BackupDirName, backupID)
	if err := os.MkdirAll(artifactDir, dirPermissions); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	artifactPath := filepath.Join(artifactDir, ArtifactFileName)

	tmpFile, err := os.CreateTemp(artifactDir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err = os.Chmod(tmpPath, filePermissions); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set artifact permissions: %w", err)
	}
	if err = os.Rename(tmpPath, artifactPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return artifactPath, nil
}

// ReadArtifact returns the artifact bytes for backupID.
func (p *LocalProvider) ReadArtifact(ctx context.Context, devicePath, backupID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	mountPoint, err := p.resolveMount(devicePath)
	if err != nil {
		return nil, err
	}

	artifactPath := filepath.Join(mountPoint, BackupDirName, backupID, ArtifactFileName)
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact for backup %s does not exist: %w", backupID, err)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// RemoveArtifact deletes the artifact directory for backupID. Removing an
// artifact that does not exist is not an error.
func (p *LocalProvider) RemoveArtifact(ctx context.Context, devicePath, backupID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	mountPoint, err := p.resolveMount(devicePath)
	if err != nil {
		return err
	}

	artifactDir := filepath.Join(mountPoint, BackupDirName, backupID)
	if err := os.RemoveAll(artifactDir); err != nil {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

// Eject flushes outstanding writes for the drive. Actual unmounting is left
// to the desktop environment or operator.
func (p *LocalProvider) Eject(devicePath string) error {
	if _, err := p.resolveMount(devicePath); err != nil {
		return err
	}
	syncFilesystem()
	return nil
}

// resolveMount maps a device path to a mount point under root and rejects
// anything outside it.
func (p *LocalProvider) resolveMount(devicePath string) (string, error) {
	if devicePath == "" {
		return "", fmt.Errorf("device path is required")
	}

	cleaned := filepath.Clean(devicePath)
	rel, err := filepath.Rel(p.root, cleaned)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("device path %s is not under media root", devicePath)
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		return "", fmt.Errorf("drive %s is not mounted: %w", devicePath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("device path %s is not a mount point", devicePath)
	}
	return cleaned, nil
}

func validateBackupID(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID is required")
	}
	if strings.ContainsAny(backupID, "/\\") || strings.Contains(backupID, "..") {
		return fmt.Errorf("backup ID contains invalid characters")
	}
	return nil
}
