package custody

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Network identifies the blockchain a key belongs to.
type Network string

const (
	NetworkBitcoin  Network = "bitcoin"
	NetworkEthereum Network = "ethereum"
	NetworkZap      Network = "zap"
)

// CosmosNetwork returns the Network value for a Cosmos SDK chain, e.g.
// CosmosNetwork("osmosis") == "cosmos:osmosis".
func CosmosNetwork(chain string) Network {
	return Network("cosmos:" + chain)
}

// IsCosmos reports whether the network is a Cosmos SDK chain.
func (n Network) IsCosmos() bool {
	return strings.HasPrefix(string(n), "cosmos:")
}

// Valid reports whether the network is one of the supported values.
func (n Network) Valid() bool {
	switch n {
	case NetworkBitcoin, NetworkEthereum, NetworkZap:
		return true
	}
	return n.IsCosmos() && len(n) > len("cosmos:")
}

// KeyRole describes the function of a ZAP network key. Roles only apply to
// NetworkZap keys; keys on other networks carry RoleNone.
type KeyRole string

const (
	RoleNone       KeyRole = ""
	RoleGenesis    KeyRole = "genesis"
	RoleValidator  KeyRole = "validator"
	RoleGovernance KeyRole = "governance"
	RoleTreasury   KeyRole = "treasury"
	RoleEmergency  KeyRole = "emergency"
)

// Valid reports whether the role is one of the defined values.
func (r KeyRole) Valid() bool {
	switch r {
	case RoleNone, RoleGenesis, RoleValidator, RoleGovernance, RoleTreasury, RoleEmergency:
		return true
	}
	return false
}

// KeyStatus is the lifecycle state of a key record. Permanently deleted
// records have no status: they are removed from the collection entirely.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusTrashed KeyStatus = "trashed"
)

// KeyRecord is a custodied key. The private key is only ever held in
// EncryptedPrivateKey, protected by the password supplied at generation time;
// the vault never persists plaintext key material.
type KeyRecord struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// VaultID groups records into a logical vault.
	VaultID string `json:"vault_id"`

	// Network is the blockchain the key belongs to.
	Network Network `json:"network"`

	// Role is the ZAP key role, RoleNone for non-ZAP networks.
	Role KeyRole `json:"role,omitempty"`

	// Label is a free-form user label.
	Label string `json:"label,omitempty"`

	// PublicKey is the raw public key bytes.
	PublicKey []byte `json:"public_key"`

	// Address is the network-formatted address derived from PublicKey.
	Address string `json:"address"`

	// EncryptedPrivateKey is the password-encrypted private key.
	EncryptedPrivateKey []byte `json:"encrypted_private_key"`

	// DerivationPath records the HD path a key was derived along, if any.
	DerivationPath string `json:"derivation_path,omitempty"`

	// EntropySource documents where key generation entropy came from.
	EntropySource string `json:"entropy_source,omitempty"`

	// QuantumEnhanced marks keys generated with the hardened entropy path.
	QuantumEnhanced bool `json:"quantum_enhanced"`

	// Status is the lifecycle state.
	Status KeyStatus `json:"status"`

	CreatedAt    time.Time  `json:"created_at"`
	TrashedAt    *time.Time `json:"trashed_at,omitempty"`
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`

	// Metadata holds caller-defined annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can never mutate vault state through
// a returned record.
func (r *KeyRecord) Clone() *KeyRecord {
	if r == nil {
		return nil
	}

	out := *r

	if r.PublicKey != nil {
		out.PublicKey = make([]byte, len(r.PublicKey))
		copy(out.PublicKey, r.PublicKey)
	}
	if r.EncryptedPrivateKey != nil {
		out.EncryptedPrivateKey = make([]byte, len(r.EncryptedPrivateKey))
		copy(out.EncryptedPrivateKey, r.EncryptedPrivateKey)
	}
	if r.TrashedAt != nil {
		t := *r.TrashedAt
		out.TrashedAt = &t
	}
	if r.LastBackupAt != nil {
		t := *r.LastBackupAt
		out.LastBackupAt = &t
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}

	return &out
}

var recordIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)

func validateRecordID(recordID string) error {
	if recordID == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if len(recordID) > 128 {
		return fmt.Errorf("record ID too long (max 128 characters)")
	}
	if !recordIDRegex.MatchString(recordID) {
		return fmt.Errorf("record ID contains invalid characters")
	}
	return nil
}
