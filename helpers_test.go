package custody

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/akarales/zap-custody/audit"
	"github.com/akarales/zap-custody/media"
	"github.com/akarales/zap-custody/persist"
)

const testPassphrase = "unit-test-passphrase"

// testEnv bundles a vault with the media root backing its provider so tests
// can reach through to the artifact files on disk.
type testEnv struct {
	vault     *Vault
	store     persist.Store
	mediaRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mediaRoot := t.TempDir()
	provider, err := media.NewLocalProvider(mediaRoot)
	if err != nil {
		t.Fatalf("failed to create media provider: %v", err)
	}

	store := persist.NewMemoryStore()
	vault, err := New(Options{
		DerivationPassphrase: testPassphrase,
	}, store, provider, NewSoftwareProvider(), audit.NewNoOpLogger())
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })

	return &testEnv{vault: vault, store: store, mediaRoot: mediaRoot}
}

// mountDrive creates a fake mounted drive under the media root and returns
// its physical info as the provider reports it.
func (e *testEnv) mountDrive(t *testing.T, name string) media.PhysicalDriveInfo {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(e.mediaRoot, name), 0700); err != nil {
		t.Fatalf("failed to create mount %s: %v", name, err)
	}

	drives, err := e.vault.media.ListDrives()
	if err != nil {
		t.Fatalf("failed to list drives: %v", err)
	}
	for _, d := range drives {
		if d.Label == name {
			return d
		}
	}
	t.Fatalf("mounted drive %s not detected", name)
	return media.PhysicalDriveInfo{}
}

// trustedDrive mounts, registers and trusts a drive in one step.
func (e *testEnv) trustedDrive(t *testing.T, name string) string {
	t.Helper()

	info := e.mountDrive(t, name)
	drive, err := e.vault.RegisterDrive(info)
	if err != nil {
		t.Fatalf("failed to register drive: %v", err)
	}
	if err := e.vault.SetDriveTrust(drive.DriveID, TrustTrusted); err != nil {
		t.Fatalf("failed to trust drive: %v", err)
	}
	return drive.DriveID
}

func (e *testEnv) generateKey(t *testing.T, vaultID, label string) *KeyRecord {
	t.Helper()

	record, err := e.vault.GenerateKey(GenerateRequest{
		VaultID:  vaultID,
		Network:  NetworkZap,
		Role:     RoleTreasury,
		Label:    label,
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return record
}
