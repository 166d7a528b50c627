package custody

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/akarales/zap-custody/internal/crypto"
	"github.com/akarales/zap-custody/internal/misc"
)

// GenerateParams carries optional inputs to key generation.
type GenerateParams struct {
	// DerivationPath is recorded on the resulting key record; the software
	// provider does not derive along it but hardware providers may.
	DerivationPath string

	// QuantumEnhanced requests the hardened entropy path.
	QuantumEnhanced bool
}

// KeyMaterial is the output of key generation. The private key is already
// encrypted under the caller's password; plaintext key bytes never leave the
// provider.
type KeyMaterial struct {
	PublicKey           []byte
	Address             string
	EncryptedPrivateKey []byte
	EntropySource       string
}

// CryptoProvider generates keys and protects private key material.
// Implementations other than SoftwareProvider can delegate to HSMs or
// hardware wallets.
type CryptoProvider interface {
	// GenerateKey creates a keypair for the network and returns the
	// material with its private half encrypted under password.
	GenerateKey(network Network, role KeyRole, password string, params GenerateParams) (*KeyMaterial, error)

	// Encrypt protects plaintext under password.
	Encrypt(plaintext []byte, password string) ([]byte, error)

	// Decrypt reverses Encrypt. A wrong password must surface as an error.
	Decrypt(ciphertext []byte, password string) ([]byte, error)
}

// SoftwareProvider is the default CryptoProvider. Keys are ed25519, generated
// from the system CSPRNG, with PBKDF2 + ChaCha20-Poly1305 protecting the
// private half.
type SoftwareProvider struct{}

func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{}
}

func (p *SoftwareProvider) GenerateKey(network Network, role KeyRole, password string, params GenerateParams) (*KeyMaterial, error) {
	if !network.Valid() {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	if len(password) < misc.MinBackupPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters long", misc.MinBackupPasswordLen)
	}

	entropy, entropySource, err := entropyReader(params.QuantumEnhanced)
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	defer memguard.WipeBytes(priv)

	encryptedPriv, err := p.Encrypt(priv, password)
	if err != nil {
		return nil, fmt.Errorf("failed to protect private key: %w", err)
	}

	return &KeyMaterial{
		PublicKey:           pub,
		Address:             deriveAddress(network, pub),
		EncryptedPrivateKey: encryptedPriv,
		EntropySource:       entropySource,
	}, nil
}

func (p *SoftwareProvider) Encrypt(plaintext []byte, password string) ([]byte, error) {
	return crypto.EncryptWithPassphrase(plaintext, password)
}

func (p *SoftwareProvider) Decrypt(ciphertext []byte, password string) ([]byte, error) {
	return crypto.DecryptWithPassphrase(ciphertext, password)
}

// entropyReader returns the randomness source for key generation. The
// hardened path folds two independent reads through SHA-256 before use,
// which protects against a partially biased system source.
func entropyReader(quantumEnhanced bool) (io.Reader, string, error) {
	if !quantumEnhanced {
		return rand.Reader, "system-csprng", nil
	}

	seed := make([]byte, 128)
	if _, err := rand.Read(seed); err != nil {
		return nil, "", fmt.Errorf("failed to gather entropy: %w", err)
	}
	defer memguard.WipeBytes(seed)

	mixed := sha256.Sum256(seed[:64])
	second := sha256.Sum256(seed[64:])
	for i := range mixed {
		mixed[i] ^= second[i]
	}

	return newHashExpander(mixed[:]), "system-csprng+sha256-mix", nil
}

// hashExpander deterministically expands a seed into an unbounded stream by
// hashing seed || counter. Only used for the hardened generation path.
type hashExpander struct {
	seed    []byte
	counter uint64
	buf     []byte
}

func newHashExpander(seed []byte) *hashExpander {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &hashExpander{seed: s}
}

func (h *hashExpander) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(h.buf) == 0 {
			block := sha256.Sum256(append(h.seed, byte(h.counter), byte(h.counter>>8),
				byte(h.counter>>16), byte(h.counter>>24),
				byte(h.counter>>32), byte(h.counter>>40),
				byte(h.counter>>48), byte(h.counter>>56)))
			h.counter++
			h.buf = block[:]
		}
		c := copy(p[n:], h.buf)
		h.buf = h.buf[c:]
		n += c
	}
	return n, nil
}

// deriveAddress formats a display address from the public key. The payload is
// the first 20 bytes of SHA-256(pub), hex encoded, carrying the conventional
// prefix for each network.
func deriveAddress(network Network, pub []byte) string {
	sum := sha256.Sum256(pub)
	payload := hex.EncodeToString(sum[:20])

	switch {
	case network == NetworkBitcoin:
		return "bc1q" + payload
	case network == NetworkEthereum:
		return "0x" + payload
	case network == NetworkZap:
		return "zap1" + payload
	case network.IsCosmos():
		chain := strings.TrimPrefix(string(network), "cosmos:")
		return chain + "1" + payload
	default:
		return payload
	}
}
