package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/awnumar/memguard"
)

func TestPassphraseRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox")

	encrypted, err := EncryptWithPassphrase(plaintext, "a strong passphrase")
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	decrypted, err := DecryptWithPassphrase(encrypted, "a strong passphrase")
	if err != nil {
		t.Fatalf("DecryptWithPassphrase failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip does not match")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptWithPassphrase([]byte("secret"), "right passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptWithPassphrase(encrypted, "wrong passphrase"); err == nil {
		t.Error("expected decryption failure")
	}
}

func TestDecryptTruncatedData(t *testing.T) {
	if _, err := DecryptWithPassphrase([]byte("too short"), "anything"); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestEncryptionIsSalted(t *testing.T) {
	a, err := EncryptWithPassphrase([]byte("same input"), "same passphrase")
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptWithPassphrase([]byte("same input"), "same passphrase")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("identical inputs produced identical ciphertexts")
	}
}

func TestChecksum(t *testing.T) {
	data := []byte("checksummed data")
	sum := CalculateChecksum(data)

	if len(sum) != 64 || strings.ToLower(sum) != sum {
		t.Errorf("unexpected checksum format: %s", sum)
	}
	if !VerifyChecksum(data, sum) {
		t.Error("checksum does not verify against its own data")
	}
	if VerifyChecksum([]byte("other data"), sum) {
		t.Error("checksum verified against different data")
	}
	if VerifyChecksum(data, "not a checksum") {
		t.Error("garbage checksum verified")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	enclave := memguard.NewEnclave(salt)

	k1, err := DeriveKey([]byte("password one"), enclave)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer k1.Destroy()

	k2, err := DeriveKey([]byte("password one"), enclave)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer k2.Destroy()

	if !bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Error("same password and salt produced different keys")
	}

	k3, err := DeriveKey([]byte("password two"), enclave)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	defer k3.Destroy()

	if bytes.Equal(k1.Bytes(), k3.Bytes()) {
		t.Error("different passwords produced the same key")
	}
}

func TestEncryptValueRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("value under the derivation key")
	encrypted, err := EncryptValue(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip does not match")
	}

	other := make([]byte, 32)
	if _, err := rand.Read(other); err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptValue(encrypted, other); err == nil {
		t.Error("expected failure with the wrong key")
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, 32)) {
		t.Error("all-zero key not flagged as weak")
	}

	ones := bytes.Repeat([]byte{0xff}, 32)
	if !IsWeakKey(ones) {
		t.Error("all-ones key not flagged as weak")
	}

	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	if IsWeakKey(random) {
		t.Error("random key flagged as weak")
	}
}
