package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/akarales/zap-custody/internal/misc"
)

const (
	passphraseSaltLen = 32
	pbkdf2Iterations  = 100000
	pbkdf2KeyLen      = 32
)

// EncryptWithPassphrase encrypts data using PBKDF2-SHA256 key derivation and
// ChaCha20-Poly1305. The output layout is salt (32) || nonce (12) || ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, passphraseSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase. A wrong passphrase
// surfaces as an AEAD authentication failure.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < passphraseSaltLen+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:passphraseSaltLen]
	nonce := encryptedData[passphraseSaltLen : passphraseSaltLen+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[passphraseSaltLen+chacha20poly1305.NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// CalculateChecksum returns the hex-encoded SHA-256 digest of data.
func CalculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares the SHA-256 digest of data against expected in
// constant time. Returns false for an empty or malformed expected value.
func VerifyChecksum(data []byte, expected string) bool {
	if expected == "" {
		return false
	}
	actual := CalculateChecksum(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// DeriveKey derives a protected Argon2id key from password using the salt held
// in saltEnclave. The result is returned in a locked buffer that the caller
// must destroy.
func DeriveKey(password []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derived := argon2.IDKey(
		password,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)
	return protected, nil
}

// EncryptValue encrypts value with key using ChaCha20-Poly1305. The output
// layout is nonce || ciphertext.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// IsWeakKey reports whether key is too short or has obviously degenerate
// content (all zeros, a single repeated byte, or very low byte variety).
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	seen := make(map[byte]struct{}, len(key))
	allZero := true
	allSame := true
	for i, b := range key {
		if b != 0 {
			allZero = false
		}
		if i > 0 && b != key[0] {
			allSame = false
		}
		seen[b] = struct{}{}
	}
	if allZero || allSame {
		return true
	}

	// Expect reasonable variety from a random 32-byte key.
	return len(seen) < 16
}
