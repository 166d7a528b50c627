package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestProvider(t *testing.T) (*LocalProvider, string) {
	t.Helper()
	root := t.TempDir()
	provider, err := NewLocalProvider(root)
	if err != nil {
		t.Fatalf("NewLocalProvider failed: %v", err)
	}
	return provider, root
}

func mount(t *testing.T, root, name string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		t.Fatalf("failed to create mount: %v", err)
	}
	return path
}

func TestNewLocalProviderValidation(t *testing.T) {
	if _, err := NewLocalProvider(""); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := NewLocalProvider(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for nonexistent root")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLocalProvider(file); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestListDrives(t *testing.T) {
	provider, root := newTestProvider(t)

	mount(t, root, "usb-a")
	mount(t, root, "usb-b")
	mount(t, root, ".hidden")
	if err := os.WriteFile(filepath.Join(root, "not-a-mount"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	drives, err := provider.ListDrives()
	if err != nil {
		t.Fatalf("ListDrives failed: %v", err)
	}
	if len(drives) != 2 {
		t.Fatalf("expected 2 drives, got %d", len(drives))
	}
	for _, d := range drives {
		if d.DevicePath == "" || d.MountPoint == "" {
			t.Errorf("drive %s missing paths", d.Label)
		}
		if !d.Removable {
			t.Errorf("drive %s should report removable", d.Label)
		}
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	provider, root := newTestProvider(t)
	device := mount(t, root, "usb-a")
	ctx := context.Background()

	payload := []byte(`{"backup":"contents"}`)
	path, err := provider.WriteArtifact(ctx, device, "backup-123", payload)
	if err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	if !strings.HasPrefix(path, device) {
		t.Errorf("artifact path %s is not under the mount", path)
	}
	if filepath.Base(path) != ArtifactFileName {
		t.Errorf("artifact file is %s, want %s", filepath.Base(path), ArtifactFileName)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("artifact permissions %v, want 0600", info.Mode().Perm())
	}

	read, err := provider.ReadArtifact(ctx, device, "backup-123")
	if err != nil {
		t.Fatalf("ReadArtifact failed: %v", err)
	}
	if string(read) != string(payload) {
		t.Error("read payload does not match written payload")
	}

	if err := provider.RemoveArtifact(ctx, device, "backup-123"); err != nil {
		t.Fatalf("RemoveArtifact failed: %v", err)
	}
	if _, err := provider.ReadArtifact(ctx, device, "backup-123"); err == nil {
		t.Error("expected error reading removed artifact")
	}

	// Removing again is not an error.
	if err := provider.RemoveArtifact(ctx, device, "backup-123"); err != nil {
		t.Errorf("second RemoveArtifact failed: %v", err)
	}
}

func TestWriteArtifactRejectsBadBackupIDs(t *testing.T) {
	provider, root := newTestProvider(t)
	device := mount(t, root, "usb-a")
	ctx := context.Background()

	for _, id := range []string{"", "a/b", `a\b`, "../escape"} {
		if _, err := provider.WriteArtifact(ctx, device, id, []byte("x")); err == nil {
			t.Errorf("backup ID %q accepted", id)
		}
	}
}

func TestResolveMountContainment(t *testing.T) {
	provider, root := newTestProvider(t)
	mount(t, root, "usb-a")
	ctx := context.Background()

	cases := []string{
		"",
		root,                                 // the root itself is not a drive
		filepath.Join(root, ".."),            // escape
		filepath.Join(root, "usb-a", ".."),   // resolves back to root
		"/etc",                               // outside entirely
		filepath.Join(root, "not-mounted"),   // under root but absent
	}
	for _, device := range cases {
		if _, err := provider.ReadArtifact(ctx, device, "backup-123"); err == nil {
			t.Errorf("device path %q accepted", device)
		}
	}
}

func TestWriteArtifactCancelledContext(t *testing.T) {
	provider, root := newTestProvider(t)
	device := mount(t, root, "usb-a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := provider.WriteArtifact(ctx, device, "backup-123", []byte("x")); err == nil {
		t.Error("expected context error")
	}
}

func TestDriveIdentity(t *testing.T) {
	a := DriveIdentity("/dev/sdb1", 1024)
	b := DriveIdentity("/dev/sdb1", 1024)
	c := DriveIdentity("/dev/sdc1", 1024)
	d := DriveIdentity("/dev/sdb1", 2048)

	if a != b {
		t.Error("identity is not deterministic")
	}
	if a == c || a == d {
		t.Error("identity does not distinguish drives")
	}
	if !strings.HasPrefix(a, "drive_") || len(a) != len("drive_")+16 {
		t.Errorf("unexpected identity format: %s", a)
	}
}

func TestEject(t *testing.T) {
	provider, root := newTestProvider(t)
	device := mount(t, root, "usb-a")

	if err := provider.Eject(device); err != nil {
		t.Errorf("Eject failed: %v", err)
	}
	if err := provider.Eject(filepath.Join(root, "missing")); err == nil {
		t.Error("expected error ejecting unmounted drive")
	}
}
