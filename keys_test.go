package custody

import (
	"errors"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	env := newTestEnv(t)

	record := env.generateKey(t, "vault-a", "treasury main")

	if record.ID == "" {
		t.Fatal("expected a record ID")
	}
	if record.Status != StatusActive {
		t.Errorf("expected status %s, got %s", StatusActive, record.Status)
	}
	if record.Network != NetworkZap {
		t.Errorf("expected network %s, got %s", NetworkZap, record.Network)
	}
	if len(record.PublicKey) == 0 {
		t.Error("expected public key material")
	}
	if len(record.EncryptedPrivateKey) == 0 {
		t.Error("expected encrypted private key material")
	}
	if record.Address == "" {
		t.Error("expected a derived address")
	}

	stored, err := env.vault.GetKey(record.ID)
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if stored.Address != record.Address {
		t.Errorf("stored address %s does not match generated %s", stored.Address, record.Address)
	}
}

func TestGenerateKeyValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  GenerateRequest
	}{
		{"missing vault ID", GenerateRequest{Network: NetworkZap, Password: "correct horse battery"}},
		{"bad network", GenerateRequest{VaultID: "v", Network: "dogecoin", Password: "correct horse battery"}},
		{"role on non-zap network", GenerateRequest{VaultID: "v", Network: NetworkBitcoin, Role: RoleValidator, Password: "correct horse battery"}},
		{"short password", GenerateRequest{VaultID: "v", Network: NetworkZap, Password: "short"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.vault.GenerateKey(tc.req); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestGetKeyNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.vault.GetKey("no-such-record")
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListKeysFilters(t *testing.T) {
	env := newTestEnv(t)

	a := env.generateKey(t, "vault-a", "first")
	b := env.generateKey(t, "vault-a", "second")
	c := env.generateKey(t, "vault-b", "other vault")

	if err := env.vault.TrashKey(b.ID); err != nil {
		t.Fatalf("TrashKey failed: %v", err)
	}

	active, err := env.vault.ListKeys(ListOptions{})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(active))
	}
	for _, r := range active {
		if r.ID == b.ID {
			t.Error("trashed record returned without IncludeTrashed")
		}
	}

	all, err := env.vault.ListKeys(ListOptions{IncludeTrashed: true})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records with IncludeTrashed, got %d", len(all))
	}

	vaultA, err := env.vault.ListKeys(ListOptions{VaultID: "vault-a"})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(vaultA) != 1 || vaultA[0].ID != a.ID {
		t.Errorf("vault filter returned wrong records: %v", vaultA)
	}

	_ = c
}

func TestRevealPrivateKey(t *testing.T) {
	env := newTestEnv(t)
	record := env.generateKey(t, "vault-a", "reveal me")

	buf, err := env.vault.RevealPrivateKey(record.ID, "correct horse battery")
	if err != nil {
		t.Fatalf("RevealPrivateKey failed: %v", err)
	}
	defer buf.Destroy()

	if buf.Size() == 0 {
		t.Error("expected private key bytes")
	}
}

func TestRevealPrivateKeyWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	record := env.generateKey(t, "vault-a", "guarded")

	if _, err := env.vault.RevealPrivateKey(record.ID, "not the password"); err == nil {
		t.Fatal("expected an error for a wrong password")
	}
}

func TestListOrderNewestFirst(t *testing.T) {
	env := newTestEnv(t)

	env.generateKey(t, "vault-a", "one")
	env.generateKey(t, "vault-a", "two")
	env.generateKey(t, "vault-a", "three")

	records, err := env.vault.ListKeys(ListOptions{})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].CreatedAt.After(records[i-1].CreatedAt) {
			t.Error("records are not ordered newest first")
		}
	}
}
