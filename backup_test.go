package custody

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarales/zap-custody/media"
)

const backupTestPassword = "correct horse battery"

func TestCreateBackupFull(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "first")
	b := env.generateKey(t, "vault-a", "second")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	assert.Equal(t, BackupFull, metadata.Type)
	assert.Equal(t, 2, metadata.KeyCount)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, metadata.RecordIDs)
	assert.NotEmpty(t, metadata.Checksum)
	assert.Equal(t, "pbkdf2-chacha20poly1305", metadata.EncryptionMethod)
	assert.FileExists(t, metadata.ArtifactPath)

	// Records included in the backup are stamped.
	stored, err := env.vault.GetKey(a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastBackupAt)
}

func TestCreateBackupUntrustedDrive(t *testing.T) {
	env := newTestEnv(t)
	env.generateKey(t, "vault-a", "record")

	info := env.mountDrive(t, "usb-stick")
	drive, err := env.vault.RegisterDrive(info)
	require.NoError(t, err)

	// Registered but never trusted.
	_, err = env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  drive.DriveID,
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, ErrUntrustedTarget)

	// Blocked is rejected the same way.
	require.NoError(t, env.vault.SetDriveTrust(drive.DriveID, TrustBlocked))
	_, err = env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  drive.DriveID,
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, ErrUntrustedTarget)

	// Unregistered well-formed ID too.
	_, err = env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  "drive_0123456789abcdef",
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, ErrUntrustedTarget)
}

func TestCreateBackupSelective(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "wanted")
	env.generateKey(t, "vault-a", "not wanted")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Type:     BackupSelective,
		KeyIDs:   []string{a.ID},
		Password: backupTestPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, metadata.RecordIDs)
}

func TestCreateBackupSelectiveRejectsTrashed(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "trashed")
	require.NoError(t, env.vault.TrashKey(a.ID))

	_, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Type:     BackupSelective,
		KeyIDs:   []string{a.ID},
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, ErrRecordNotActive)

	_, err = env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Type:     BackupSelective,
		KeyIDs:   []string{"missing"},
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCreateBackupExcludesTrashed(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "active")
	b := env.generateKey(t, "vault-a", "trashed")
	require.NoError(t, env.vault.TrashKey(b.ID))

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, metadata.RecordIDs)

	// Once restored from the trash the record is backed up again.
	require.NoError(t, env.vault.RestoreKey(b.ID))
	metadata, err = env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, metadata.RecordIDs)
}

func TestCreateBackupIncrementalDegradesToFull(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "only record")

	// No baseline backup exists, so the first incremental is a full.
	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Type:     BackupIncremental,
		Password: backupTestPassword,
	})
	require.NoError(t, err)
	assert.Equal(t, BackupFull, metadata.Type)
}

func TestCreateBackupCompressedAndVerified(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "compressed")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
		Compress: true,
		Verify:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, "pbkdf2-chacha20poly1305+zstd", metadata.EncryptionMethod)
	assert.True(t, metadata.Compressed)
	assert.True(t, metadata.Verified)

	// The compressed artifact still restores.
	require.NoError(t, env.vault.VerifyBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword))
}

func TestCreateBackupShortPassword(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	_, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: "short",
	})
	assert.Error(t, err)
}

func TestCreateBackupEmptySnapshot(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	_, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	assert.Error(t, err)
}

func TestCreateBackupCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.vault.CreateBackup(ctx, BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	assert.ErrorIs(t, err, context.Canceled)

	// Nothing was indexed.
	backups, listErr := env.vault.ListBackups("")
	require.NoError(t, listErr)
	assert.Empty(t, backups)
}

func TestInspectBackup(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	info, err := env.vault.InspectBackup(context.Background(), driveID, metadata.BackupID)
	require.NoError(t, err)

	assert.Equal(t, metadata.BackupID, info.BackupID)
	assert.Equal(t, metadata.Checksum, info.Checksum)
	assert.True(t, info.ChecksumValid)
}

func TestVerifyBackupWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	err = env.vault.VerifyBackup(context.Background(), driveID, metadata.BackupID, "wrong password!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDeleteBackup(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	require.NoError(t, env.vault.DeleteBackup(context.Background(), metadata.BackupID))

	_, err = env.vault.GetBackup(metadata.BackupID)
	assert.ErrorIs(t, err, ErrBackupNotFound)
	assert.NoFileExists(t, metadata.ArtifactPath)

	// Deleting again reports not found.
	err = env.vault.DeleteBackup(context.Background(), metadata.BackupID)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestListBackupsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	for i := 0; i < 3; i++ {
		_, err := env.vault.CreateBackup(context.Background(), BackupRequest{
			DriveID:  driveID,
			Password: backupTestPassword,
		})
		require.NoError(t, err)
	}

	backups, err := env.vault.ListBackups(driveID)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	for i := 1; i < len(backups); i++ {
		assert.False(t, backups[i].CreatedAt.After(backups[i-1].CreatedAt),
			"backups not ordered newest first")
	}
}

func TestBackupSurvivesTrustRevocation(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	require.NoError(t, env.vault.SetDriveTrust(driveID, TrustBlocked))

	backups, err := env.vault.ListBackups(driveID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, metadata.BackupID, backups[0].BackupID)
}

// cancelAfterWriteMedia lets the artifact write complete and then cancels
// the context, simulating cancellation landing while the write is in flight.
type cancelAfterWriteMedia struct {
	media.Provider
	cancel context.CancelFunc
}

func (p *cancelAfterWriteMedia) WriteArtifact(ctx context.Context, devicePath, backupID string, data []byte) (string, error) {
	path, err := p.Provider.WriteArtifact(ctx, devicePath, backupID, data)
	p.cancel()
	return path, err
}

func TestCreateBackupCancelledDuringWrite(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "only record")

	ctx, cancel := context.WithCancel(context.Background())
	env.vault.media = &cancelAfterWriteMedia{Provider: env.vault.media, cancel: cancel}

	_, err := env.vault.CreateBackup(ctx, BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.ErrorIs(t, err, context.Canceled)

	backups, err := env.vault.ListBackups(driveID)
	require.NoError(t, err)
	assert.Empty(t, backups, "no index entry may survive a cancelled run")

	entries, err := os.ReadDir(filepath.Join(env.mediaRoot, "usb-stick", "ZapQuantumVault_Backups"))
	require.NoError(t, err)
	assert.Empty(t, entries, "the orphaned artifact must be removed")
}

// artifactFile locates the backup artifact on the fake drive.
func artifactFile(t *testing.T, env *testEnv, mount, backupID string) string {
	t.Helper()
	path := filepath.Join(env.mediaRoot, mount, "ZapQuantumVault_Backups", backupID, "backup.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not found at %s: %v", path, err)
	}
	return path
}
