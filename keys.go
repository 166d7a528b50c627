package custody

import (
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// GenerateRequest describes a key to generate.
type GenerateRequest struct {
	// VaultID groups the record into a logical vault. Required.
	VaultID string

	// Network selects the blockchain. Required.
	Network Network

	// Role is the ZAP key role. Only valid with NetworkZap.
	Role KeyRole

	// Label is an optional user label.
	Label string

	// Password protects the generated private key. Minimum 12 characters.
	Password string

	// QuantumEnhanced requests the hardened entropy path.
	QuantumEnhanced bool

	// DerivationPath is recorded on the record for provider use.
	DerivationPath string
}

func (r GenerateRequest) validate() error {
	if r.VaultID == "" {
		return fmt.Errorf("vault ID is required")
	}
	if !r.Network.Valid() {
		return fmt.Errorf("unsupported network: %q", r.Network)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("invalid key role: %q", r.Role)
	}
	if r.Role != RoleNone && r.Network != NetworkZap {
		return fmt.Errorf("key roles only apply to the %s network", NetworkZap)
	}
	return nil
}

// GenerateKey creates a new key through the vault's crypto provider and
// stores the resulting record as Active.
//
// The private key is encrypted under req.Password by the provider before the
// record ever reaches vault state; plaintext key bytes are wiped inside the
// provider. Returns a copy of the stored record.
//
// Possible errors: validation failures, ErrVaultClosed, provider failures,
// persistence failures (in which case no record is stored).
func (v *Vault) GenerateKey(req GenerateRequest) (*KeyRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	material, err := v.provider.GenerateKey(req.Network, req.Role, req.Password, GenerateParams{
		DerivationPath:  req.DerivationPath,
		QuantumEnhanced: req.QuantumEnhanced,
	})
	if err != nil {
		v.logAudit(v.newRequestID(), "key_generate", err, map[string]interface{}{
			"vault_id": req.VaultID,
			"network":  string(req.Network),
		})
		return nil, fmt.Errorf("key generation failed: %w", err)
	}

	record := &KeyRecord{
		ID:                  uuid.New().String(),
		VaultID:             req.VaultID,
		Network:             req.Network,
		Role:                req.Role,
		Label:               req.Label,
		PublicKey:           material.PublicKey,
		Address:             material.Address,
		EncryptedPrivateKey: material.EncryptedPrivateKey,
		DerivationPath:      req.DerivationPath,
		EntropySource:       material.EntropySource,
		QuantumEnhanced:     req.QuantumEnhanced,
		Status:              StatusActive,
		CreatedAt:           time.Now().UTC(),
	}

	v.records[record.ID] = record
	if err := v.persistRecordsLocked(); err != nil {
		memguard.WipeBytes(record.EncryptedPrivateKey)
		delete(v.records, record.ID)
		return nil, fmt.Errorf("failed to persist key records: %w", err)
	}

	v.logAudit(v.newRequestID(), "key_generate", nil, map[string]interface{}{
		"record_id": record.ID,
		"vault_id":  record.VaultID,
		"network":   string(record.Network),
		"role":      string(record.Role),
		"quantum":   record.QuantumEnhanced,
	})

	return record.Clone(), nil
}

// GetKey returns a copy of the record, regardless of lifecycle status.
func (v *Vault) GetKey(recordID string) (*KeyRecord, error) {
	if err := validateRecordID(recordID); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	record, ok := v.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
	}
	return record.Clone(), nil
}

// ListOptions filters ListKeys output. Zero values mean "no filter", except
// Status which defaults to StatusActive; set IncludeTrashed to list both
// states.
type ListOptions struct {
	VaultID        string
	Network        Network
	Status         KeyStatus
	IncludeTrashed bool
}

// ListKeys returns copies of the matching records ordered by creation time,
// newest first. By default only Active records are returned.
func (v *Vault) ListKeys(options ListOptions) ([]*KeyRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	status := options.Status
	if status == "" {
		status = StatusActive
	}

	var out []*KeyRecord
	for _, record := range v.records {
		if options.VaultID != "" && record.VaultID != options.VaultID {
			continue
		}
		if options.Network != "" && record.Network != options.Network {
			continue
		}
		if !options.IncludeTrashed && record.Status != status {
			continue
		}
		out = append(out, record.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RevealPrivateKey decrypts the private key for a record and returns it in a
// locked buffer. The caller owns the buffer and must destroy it as soon as
// the material has been used; the vault retains no plaintext copy.
//
// Every reveal is audited, success or failure. A wrong password surfaces as
// a decryption error from the provider.
func (v *Vault) RevealPrivateKey(recordID, password string) (*memguard.LockedBuffer, error) {
	if err := validateRecordID(recordID); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	record, ok := v.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
	}

	plaintext, err := v.provider.Decrypt(record.EncryptedPrivateKey, password)
	if err != nil {
		v.logAudit(v.newRequestID(), "key_reveal", err, map[string]interface{}{
			"record_id": recordID,
		})
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}

	v.logAudit(v.newRequestID(), "key_reveal", nil, map[string]interface{}{
		"record_id": recordID,
		"network":   string(record.Network),
	})

	return memguard.NewBufferFromBytes(plaintext), nil
}
