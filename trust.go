package custody

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"github.com/akarales/zap-custody/internal/misc"
	"github.com/akarales/zap-custody/media"
)

// TrustLevel is the vault's disposition toward a removable drive.
type TrustLevel string

const (
	// TrustTrusted drives are valid backup targets.
	TrustTrusted TrustLevel = "trusted"

	// TrustUntrusted is the default for every drive, registered or not.
	TrustUntrusted TrustLevel = "untrusted"

	// TrustBlocked drives are explicitly rejected as backup targets.
	// Restores from blocked drives remain possible.
	TrustBlocked TrustLevel = "blocked"
)

// Valid reports whether the trust level is one of the defined values.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustTrusted, TrustUntrusted, TrustBlocked:
		return true
	}
	return false
}

// TrustedDrive is a registry entry for a removable drive. The drive ID is
// derived from physical properties (see media.DriveIdentity), so an entry
// survives unplugging and re-mounting.
type TrustedDrive struct {
	DriveID       string     `json:"drive_id"`
	DevicePath    string     `json:"device_path"`
	Label         string     `json:"label,omitempty"`
	CapacityBytes uint64     `json:"capacity_bytes"`
	TrustLevel    TrustLevel `json:"trust_level"`

	FirstTrustedAt *time.Time `json:"first_trusted_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// EncryptedPassword optionally stores the drive's backup password,
	// encrypted under the vault derivation key.
	EncryptedPassword []byte     `json:"encrypted_password,omitempty"`
	PasswordHint      string     `json:"password_hint,omitempty"`
	PasswordLastUsed  *time.Time `json:"password_last_used,omitempty"`
}

func (d *TrustedDrive) clone() *TrustedDrive {
	out := *d
	if d.EncryptedPassword != nil {
		out.EncryptedPassword = make([]byte, len(d.EncryptedPassword))
		copy(out.EncryptedPassword, d.EncryptedPassword)
	}
	if d.FirstTrustedAt != nil {
		t := *d.FirstTrustedAt
		out.FirstTrustedAt = &t
	}
	if d.PasswordLastUsed != nil {
		t := *d.PasswordLastUsed
		out.PasswordLastUsed = &t
	}
	return &out
}

var driveIDRegex = regexp.MustCompile(`^drive_[0-9a-f]{16}$`)

func validateDriveID(driveID string) error {
	if !driveIDRegex.MatchString(driveID) {
		return fmt.Errorf("%w: %q", ErrInvalidDriveIdentity, driveID)
	}
	return nil
}

// DetectDrives enumerates currently attached drives through the media
// provider and annotates each with its registry trust level. Unregistered
// drives report TrustUntrusted.
func (v *Vault) DetectDrives() ([]DriveStatus, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	if v.media == nil {
		return nil, fmt.Errorf("no media provider configured")
	}

	physical, err := v.media.ListDrives()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate drives: %w", err)
	}

	statuses := make([]DriveStatus, 0, len(physical))
	for _, info := range physical {
		status := DriveStatus{
			Info:       info,
			DriveID:    info.Identity(),
			TrustLevel: TrustUntrusted,
		}
		if entry, ok := v.drives[status.DriveID]; ok {
			status.TrustLevel = entry.TrustLevel
			status.Registered = true
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// DriveStatus pairs a physically attached drive with its registry state.
type DriveStatus struct {
	Info       media.PhysicalDriveInfo `json:"info"`
	DriveID    string                  `json:"drive_id"`
	TrustLevel TrustLevel              `json:"trust_level"`
	Registered bool                    `json:"registered"`
}

// RegisterDrive adds a drive to the trust registry at TrustUntrusted, or
// refreshes the stored device path and label for a drive already registered.
// Registration never changes an existing trust level.
func (v *Vault) RegisterDrive(info media.PhysicalDriveInfo) (*TrustedDrive, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	if info.DevicePath == "" {
		return nil, fmt.Errorf("%w: empty device path", ErrInvalidDriveIdentity)
	}

	driveID := info.Identity()
	now := time.Now().UTC()

	entry, exists := v.drives[driveID]
	if exists {
		prev := entry.clone()
		entry.DevicePath = info.DevicePath
		entry.Label = info.Label
		entry.UpdatedAt = now
		if err := v.persistDrivesLocked(); err != nil {
			v.drives[driveID] = prev
			return nil, fmt.Errorf("failed to persist trust registry: %w", err)
		}
	} else {
		entry = &TrustedDrive{
			DriveID:       driveID,
			DevicePath:    info.DevicePath,
			Label:         info.Label,
			CapacityBytes: info.CapacityBytes,
			TrustLevel:    TrustUntrusted,
			UpdatedAt:     now,
		}
		v.drives[driveID] = entry
		if err := v.persistDrivesLocked(); err != nil {
			delete(v.drives, driveID)
			return nil, fmt.Errorf("failed to persist trust registry: %w", err)
		}
	}

	v.logAudit(v.newRequestID(), "drive_registered", nil, map[string]interface{}{
		"drive_id":    driveID,
		"device_path": info.DevicePath,
	})

	return entry.clone(), nil
}

// SetDriveTrust sets the trust level for a registered drive. Setting the
// level a drive already has is a no-op, not an error. Trusting a drive for
// the first time stamps FirstTrustedAt.
func (v *Vault) SetDriveTrust(driveID string, level TrustLevel) error {
	if err := validateDriveID(driveID); err != nil {
		return err
	}
	if !level.Valid() {
		return fmt.Errorf("invalid trust level: %q", level)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}

	if entry.TrustLevel == level {
		return nil
	}

	prev := entry.clone()
	now := time.Now().UTC()
	entry.TrustLevel = level
	entry.UpdatedAt = now
	if level == TrustTrusted && entry.FirstTrustedAt == nil {
		entry.FirstTrustedAt = &now
	}

	if err := v.persistDrivesLocked(); err != nil {
		v.drives[driveID] = prev
		return fmt.Errorf("failed to persist trust registry: %w", err)
	}

	v.logAudit(v.newRequestID(), "drive_trust_change", nil, map[string]interface{}{
		"drive_id":   driveID,
		"from_level": string(prev.TrustLevel),
		"to_level":   string(level),
	})

	return nil
}

// DriveTrust returns the trust level for a drive. Unregistered drives are
// TrustUntrusted; a malformed drive ID is an error, not untrusted.
func (v *Vault) DriveTrust(driveID string) (TrustLevel, error) {
	if err := validateDriveID(driveID); err != nil {
		return "", err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return "", err
	}

	if entry, ok := v.drives[driveID]; ok {
		return entry.TrustLevel, nil
	}
	return TrustUntrusted, nil
}

// GetDrive returns a copy of the registry entry for driveID.
func (v *Vault) GetDrive(driveID string) (*TrustedDrive, error) {
	if err := validateDriveID(driveID); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return nil, fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}
	return entry.clone(), nil
}

// ListDrives returns all registry entries ordered by drive ID.
func (v *Vault) ListDrives() ([]*TrustedDrive, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	out := make([]*TrustedDrive, 0, len(v.drives))
	for _, entry := range v.drives {
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriveID < out[j].DriveID })
	return out, nil
}

// RemoveDrive deletes a drive from the registry, wiping any stored password
// material. Backup history referencing the drive is preserved: backups made
// to it remain listed and restorable.
func (v *Vault) RemoveDrive(driveID string) error {
	if err := validateDriveID(driveID); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}

	prev := entry.clone()

	memguard.WipeBytes(entry.EncryptedPassword)
	delete(v.drives, driveID)

	if err := v.persistDrivesLocked(); err != nil {
		v.drives[driveID] = prev
		return fmt.Errorf("failed to persist trust registry: %w", err)
	}

	v.logAudit(v.newRequestID(), "drive_removed", nil, map[string]interface{}{
		"drive_id": driveID,
	})

	return nil
}

// SaveDrivePassword stores a backup password for a drive, encrypted under
// the vault derivation key, together with an optional plaintext hint.
func (v *Vault) SaveDrivePassword(driveID, password, hint string) error {
	if err := validateDriveID(driveID); err != nil {
		return err
	}
	if len(password) < misc.MinBackupPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", misc.MinBackupPasswordLen)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}

	encrypted, err := v.encryptWithDerivationKey([]byte(password))
	if err != nil {
		return fmt.Errorf("failed to protect drive password: %w", err)
	}

	prev := entry.clone()
	entry.EncryptedPassword = encrypted
	entry.PasswordHint = hint
	entry.PasswordLastUsed = nil
	entry.UpdatedAt = time.Now().UTC()

	if err := v.persistDrivesLocked(); err != nil {
		v.drives[driveID] = prev
		return fmt.Errorf("failed to persist trust registry: %w", err)
	}

	v.logAudit(v.newRequestID(), "drive_password_save", nil, map[string]interface{}{
		"drive_id": driveID,
		"has_hint": hint != "",
	})

	return nil
}

// DrivePassword decrypts and returns the stored password for a drive in a
// locked buffer the caller must destroy. The password-last-used timestamp is
// updated as a side effect.
func (v *Vault) DrivePassword(driveID string) (*memguard.LockedBuffer, error) {
	if err := validateDriveID(driveID); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return nil, fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}
	if len(entry.EncryptedPassword) == 0 {
		return nil, fmt.Errorf("drive %s has no stored password", driveID)
	}

	plaintext, err := v.decryptWithDerivationKey(entry.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt drive password: %w", err)
	}

	now := time.Now().UTC()
	entry.PasswordLastUsed = &now
	// Best effort: the timestamp is bookkeeping, failure to persist it must
	// not block password access.
	if err := v.persistDrivesLocked(); err != nil {
		v.logAudit(v.newRequestID(), "drive_password_access", err, map[string]interface{}{
			"drive_id": driveID,
		})
	} else {
		v.logAudit(v.newRequestID(), "drive_password_access", nil, map[string]interface{}{
			"drive_id": driveID,
		})
	}

	return memguard.NewBufferFromBytes(plaintext), nil
}

// EjectDrive flushes pending writes and releases the drive.
func (v *Vault) EjectDrive(driveID string) error {
	if err := validateDriveID(driveID); err != nil {
		return err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}
	if v.media == nil {
		return fmt.Errorf("no media provider configured")
	}

	entry, ok := v.drives[driveID]
	if !ok {
		return fmt.Errorf("drive %s: %w", driveID, ErrDriveNotFound)
	}

	if err := v.media.Eject(entry.DevicePath); err != nil {
		return fmt.Errorf("failed to eject drive %s: %w", driveID, err)
	}
	return nil
}
