package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/akarales/zap-custody/persist"
)

func TestRegisterDriveDefaultsUntrusted(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")

	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}
	if drive.TrustLevel != TrustUntrusted {
		t.Errorf("expected new drive to be %s, got %s", TrustUntrusted, drive.TrustLevel)
	}
	if drive.FirstTrustedAt != nil {
		t.Error("expected FirstTrustedAt to be unset")
	}
}

func TestRegisterDriveRefreshKeepsTrust(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")

	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}
	if err := env.vault.SetDriveTrust(drive.DriveID, TrustTrusted); err != nil {
		t.Fatalf("SetDriveTrust failed: %v", err)
	}

	// Re-registering after a re-mount refreshes metadata only.
	info.Label = "usb-stick-renamed"
	refreshed, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}
	if refreshed.TrustLevel != TrustTrusted {
		t.Errorf("re-registration changed trust level to %s", refreshed.TrustLevel)
	}
	if refreshed.Label != "usb-stick-renamed" {
		t.Errorf("label not refreshed, got %s", refreshed.Label)
	}
}

func TestSetDriveTrustTransitions(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")
	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}

	if err := env.vault.SetDriveTrust(drive.DriveID, TrustTrusted); err != nil {
		t.Fatalf("trust failed: %v", err)
	}
	trusted, err := env.vault.GetDrive(drive.DriveID)
	if err != nil {
		t.Fatalf("GetDrive failed: %v", err)
	}
	if trusted.FirstTrustedAt == nil {
		t.Error("expected FirstTrustedAt after first trust")
	}
	firstTrusted := *trusted.FirstTrustedAt

	// Block, then re-trust: FirstTrustedAt keeps its original value.
	if err := env.vault.SetDriveTrust(drive.DriveID, TrustBlocked); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := env.vault.SetDriveTrust(drive.DriveID, TrustTrusted); err != nil {
		t.Fatalf("re-trust failed: %v", err)
	}
	again, err := env.vault.GetDrive(drive.DriveID)
	if err != nil {
		t.Fatalf("GetDrive failed: %v", err)
	}
	if !again.FirstTrustedAt.Equal(firstTrusted) {
		t.Error("FirstTrustedAt changed on re-trust")
	}

	// Same-level set is a no-op.
	if err := env.vault.SetDriveTrust(drive.DriveID, TrustTrusted); err != nil {
		t.Errorf("same-level set returned error: %v", err)
	}
}

func TestSetDriveTrustUnknownDrive(t *testing.T) {
	env := newTestEnv(t)

	err := env.vault.SetDriveTrust("drive_0123456789abcdef", TrustTrusted)
	if !errors.Is(err, ErrDriveNotFound) {
		t.Errorf("expected ErrDriveNotFound, got %v", err)
	}
}

func TestDriveTrustQueries(t *testing.T) {
	env := newTestEnv(t)

	// Unregistered but well-formed ID reports untrusted.
	level, err := env.vault.DriveTrust("drive_0123456789abcdef")
	if err != nil {
		t.Fatalf("DriveTrust failed: %v", err)
	}
	if level != TrustUntrusted {
		t.Errorf("expected %s for unregistered drive, got %s", TrustUntrusted, level)
	}

	// Malformed ID is an error, not untrusted.
	if _, err := env.vault.DriveTrust("not-a-drive-id"); !errors.Is(err, ErrInvalidDriveIdentity) {
		t.Errorf("expected ErrInvalidDriveIdentity, got %v", err)
	}
}

func TestRemoveDrivePreservesBackups(t *testing.T) {
	env := newTestEnv(t)
	driveID := env.trustedDrive(t, "usb-stick")
	env.generateKey(t, "vault-a", "backed up")

	metadata, err := env.vault.CreateBackup(context.Background(), BackupRequest{
		DriveID:  driveID,
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	if err := env.vault.RemoveDrive(driveID); err != nil {
		t.Fatalf("RemoveDrive failed: %v", err)
	}
	if _, err := env.vault.GetDrive(driveID); !errors.Is(err, ErrDriveNotFound) {
		t.Errorf("expected ErrDriveNotFound after removal, got %v", err)
	}

	// Backup history keeps referencing the removed drive.
	backups, err := env.vault.ListBackups(driveID)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 1 || backups[0].BackupID != metadata.BackupID {
		t.Errorf("backup history lost after drive removal: %v", backups)
	}
}

func TestDrivePasswordRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")
	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}

	if err := env.vault.SaveDrivePassword(drive.DriveID, "drive backup password", "the usual"); err != nil {
		t.Fatalf("SaveDrivePassword failed: %v", err)
	}

	buf, err := env.vault.DrivePassword(drive.DriveID)
	if err != nil {
		t.Fatalf("DrivePassword failed: %v", err)
	}
	defer buf.Destroy()

	if string(buf.Bytes()) != "drive backup password" {
		t.Error("decrypted password does not match saved password")
	}

	stored, err := env.vault.GetDrive(drive.DriveID)
	if err != nil {
		t.Fatalf("GetDrive failed: %v", err)
	}
	if stored.PasswordHint != "the usual" {
		t.Errorf("hint not stored, got %q", stored.PasswordHint)
	}
	if stored.PasswordLastUsed == nil {
		t.Error("expected PasswordLastUsed after access")
	}
}

func TestSaveDrivePasswordTooShort(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")
	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}

	if err := env.vault.SaveDrivePassword(drive.DriveID, "short", ""); err == nil {
		t.Error("expected an error for a short password")
	}
}

func TestDetectDrives(t *testing.T) {
	env := newTestEnv(t)
	env.mountDrive(t, "alpha")
	info := env.mountDrive(t, "beta")

	if _, err := env.vault.RegisterDrive(info); err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}

	statuses, err := env.vault.DetectDrives()
	if err != nil {
		t.Fatalf("DetectDrives failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 drives, got %d", len(statuses))
	}

	for _, s := range statuses {
		switch s.Info.Label {
		case "alpha":
			if s.Registered {
				t.Error("alpha should not be registered")
			}
			if s.TrustLevel != TrustUntrusted {
				t.Errorf("alpha trust = %s, want %s", s.TrustLevel, TrustUntrusted)
			}
		case "beta":
			if !s.Registered {
				t.Error("beta should be registered")
			}
		default:
			t.Errorf("unexpected drive %s", s.Info.Label)
		}
	}
}

// failDriveSaves wraps a store and fails every trust registry save once
// armed, leaving the other collections untouched.
type failDriveSaves struct {
	persist.Store
	armed bool
}

func (s *failDriveSaves) SaveDrives(data []byte, expectedVersion string) (string, error) {
	if s.armed {
		return "", errors.New("drive collection write refused")
	}
	return s.Store.SaveDrives(data, expectedVersion)
}

func TestRemoveDriveFailedPersistKeepsPassword(t *testing.T) {
	env := newTestEnv(t)
	info := env.mountDrive(t, "usb-stick")
	drive, err := env.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("RegisterDrive failed: %v", err)
	}
	if err := env.vault.SaveDrivePassword(drive.DriveID, "drive backup password", "the usual"); err != nil {
		t.Fatalf("SaveDrivePassword failed: %v", err)
	}

	failing := &failDriveSaves{Store: env.vault.store, armed: true}
	env.vault.store = failing

	if err := env.vault.RemoveDrive(drive.DriveID); err == nil {
		t.Fatal("expected RemoveDrive to fail when the registry cannot be persisted")
	}

	failing.armed = false

	// The failed removal must leave the entry fully intact, stored
	// password included.
	buf, err := env.vault.DrivePassword(drive.DriveID)
	if err != nil {
		t.Fatalf("DrivePassword after failed removal: %v", err)
	}
	defer buf.Destroy()
	if string(buf.Bytes()) != "drive backup password" {
		t.Error("stored password damaged by failed removal")
	}
}
