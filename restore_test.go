package custody

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akarales/zap-custody/media"
)

func TestRestoreBackupRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "first")
	b := env.generateKey(t, "vault-a", "second")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	// Purge both records, then restore them from the artifact.
	require.NoError(t, env.vault.PurgeKey(a.ID))
	require.NoError(t, env.vault.PurgeKey(b.ID))

	report, err := env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{a.ID, b.ID}, report.Restored)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)

	restored, err := env.vault.GetKey(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Address, restored.Address)
	assert.Equal(t, StatusActive, restored.Status)

	// The restored private key still decrypts under the key password.
	buf, err := env.vault.RevealPrivateKey(a.ID, "correct horse battery")
	require.NoError(t, err)
	buf.Destroy()
}

func TestRestoreBackupSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "kept")
	b := env.generateKey(t, "vault-a", "purged")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	require.NoError(t, env.vault.PurgeKey(b.ID))

	report, err := env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword)
	require.NoError(t, err)

	assert.Equal(t, []string{b.ID}, report.Restored)
	assert.Equal(t, []string{a.ID}, report.Skipped)

	// The live record was not overwritten.
	kept, err := env.vault.GetKey(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Address, kept.Address)
}

func TestRestoreBackupWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	_, err = env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, "wrong password!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.NotErrorIs(t, err, ErrChecksumMismatch)
}

func TestRestoreBackupCorruptedArtifact(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	// Flip bytes inside the encrypted payload while keeping the container
	// parseable. Corruption must surface as a checksum mismatch before any
	// decryption is attempted, even with the correct password.
	path := artifactFile(t, env, "usb-stick", metadata.BackupID)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var container media.Container
	require.NoError(t, json.Unmarshal(raw, &container))

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	require.NoError(t, err)
	encrypted[len(encrypted)/2] ^= 0xff
	container.EncryptedData = base64.StdEncoding.EncodeToString(encrypted)

	tampered, err := json.Marshal(&container)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.NotErrorIs(t, err, ErrDecryptionFailed)

	// Inspection reports the bad checksum too.
	info, err := env.vault.InspectBackup(context.Background(), driveID, metadata.BackupID)
	require.NoError(t, err)
	assert.False(t, info.ChecksumValid)
}

func TestRestoreFromBlockedDrive(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	// Block the drive after the backup. Restore has no trust gate: the
	// artifact's checksum and encryption are the integrity boundary.
	require.NoError(t, env.vault.SetDriveTrust(driveID, TrustBlocked))
	require.NoError(t, env.vault.PurgeKey(a.ID))

	report, err := env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, report.Restored)
}

func TestRestoreBackupCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "record")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)
	require.NoError(t, env.vault.PurgeKey(a.ID))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = env.vault.RestoreBackup(ctx, driveID, metadata.BackupID, backupTestPassword)
	assert.ErrorIs(t, err, context.Canceled)

	// No partial import happened.
	_, err = env.vault.GetKey(a.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRestoredTrashedRecordKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")

	a := env.generateKey(t, "vault-a", "kept active")
	b := env.generateKey(t, "vault-a", "will be trashed")

	// Back up both while active, trash one, purge both, restore.
	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: backupTestPassword,
	})
	require.NoError(t, err)

	require.NoError(t, env.vault.PurgeKey(a.ID))
	require.NoError(t, env.vault.TrashKey(b.ID))
	require.NoError(t, env.vault.PurgeKey(b.ID))

	report, err := env.vault.RestoreBackup(context.Background(), driveID, metadata.BackupID, backupTestPassword)
	require.NoError(t, err)
	assert.Len(t, report.Restored, 2)

	// Both come back with the status they carried in the artifact: active,
	// because the backup was taken before the trash.
	restored, err := env.vault.GetKey(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
}
