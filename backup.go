package custody

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/akarales/zap-custody/internal/crypto"
	"github.com/akarales/zap-custody/internal/misc"
	"github.com/akarales/zap-custody/media"
)

// BackupType selects which records a backup includes.
type BackupType string

const (
	// BackupFull includes every Active record in the vault.
	BackupFull BackupType = "full"

	// BackupIncremental includes Active records created since the newest
	// successful backup of the same vault. Degrades to BackupFull when no
	// prior backup exists.
	BackupIncremental BackupType = "incremental"

	// BackupSelective includes exactly the requested records.
	BackupSelective BackupType = "selective"
)

const (
	encryptionMethodName = "pbkdf2-chacha20poly1305"
	compressedSuffix     = "+zstd"
	payloadVersion       = "1"
)

// BackupRequest describes a backup to create.
type BackupRequest struct {
	// DriveID is the target drive. It must be registered and Trusted.
	DriveID string

	// VaultID scopes Full and Incremental backups. Empty means all vaults.
	VaultID string

	// KeyIDs names the records for a Selective backup. Ignored otherwise.
	KeyIDs []string

	// Type selects the record set. Defaults to BackupFull.
	Type BackupType

	// Password protects the artifact. Minimum 12 characters.
	Password string

	// Compress applies zstd to the payload before encryption.
	Compress bool

	// Verify decrypts the payload again after encryption to prove the
	// artifact is restorable before anything is written to media.
	Verify bool
}

// BackupMetadata is the vault-side index entry for a completed backup. It is
// persisted only after the artifact is safely on media, so an entry's
// existence implies the artifact write succeeded.
type BackupMetadata struct {
	BackupID string     `json:"backup_id"`
	VaultID  string     `json:"vault_id,omitempty"`
	DriveID  string     `json:"drive_id"`
	Type     BackupType `json:"type"`

	CreatedAt time.Time `json:"created_at"`

	// RecordIDs lists the records the artifact contains.
	RecordIDs []string `json:"record_ids"`
	KeyCount  int      `json:"key_count"`

	// SizeBytes is the size of the artifact container on media.
	SizeBytes int64 `json:"size_bytes"`

	// Checksum is the hex SHA-256 of the encrypted payload.
	Checksum string `json:"checksum"`

	EncryptionMethod string `json:"encryption_method"`
	Compressed       bool   `json:"compressed"`
	Verified         bool   `json:"verified"`

	// ArtifactPath is where the provider reported writing the artifact.
	ArtifactPath string `json:"artifact_path"`
}

func (b *BackupMetadata) clone() *BackupMetadata {
	out := *b
	out.RecordIDs = append([]string(nil), b.RecordIDs...)
	return &out
}

// backupPayload is the plaintext structure encrypted into an artifact.
type backupPayload struct {
	Version   string       `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Records   []*KeyRecord `json:"records"`
}

// CreateBackup writes an encrypted backup artifact to a trusted drive and
// records it in the backup index.
//
// The operation proceeds in stages: the drive's trust level is checked, the
// record set is snapshotted under the read lock, the payload is serialized,
// optionally compressed, encrypted under req.Password and checksummed, then
// optionally verified by a decrypt round-trip, written to media, and finally
// indexed. Record and index persistence happen last, so a failure at any
// earlier stage leaves vault state untouched.
//
// Concurrent mutations after the snapshot do not affect the artifact: a
// backup captures the records as they were when selection ran.
//
// Possible errors: ErrUntrustedTarget (drive unregistered, untrusted or
// blocked), ErrRecordNotFound / ErrRecordNotActive for selective requests,
// ErrBackupVerificationFailed, context cancellation, media write failures.
func (v *Vault) CreateBackup(ctx context.Context, req BackupRequest) (*BackupMetadata, error) {
	if len(req.Password) < misc.MinBackupPasswordLen {
		return nil, fmt.Errorf("backup password must be at least %d characters long", misc.MinBackupPasswordLen)
	}
	if err := validateDriveID(req.DriveID); err != nil {
		return nil, err
	}
	backupType := req.Type
	if backupType == "" {
		backupType = BackupFull
	}
	if backupType == BackupSelective && len(req.KeyIDs) == 0 {
		return nil, fmt.Errorf("selective backup requires at least one record ID")
	}

	// Stage 1: trust gate and record snapshot under the read lock.
	devicePath, snapshot, effectiveType, err := v.snapshotForBackup(req, backupType)
	if err != nil {
		v.logAudit(v.newRequestID(), "backup_create", err, map[string]interface{}{
			"drive_id": req.DriveID,
			"type":     string(backupType),
		})
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 2: serialize, compress, encrypt, checksum.
	payload := backupPayload{
		Version:   payloadVersion,
		CreatedAt: time.Now().UTC(),
		Records:   snapshot,
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup payload: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	toEncrypt := plaintext
	method := encryptionMethodName
	if req.Compress {
		compressed, err := zstdCompress(plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to compress backup payload: %w", err)
		}
		toEncrypt = compressed
		method += compressedSuffix
	}

	encrypted, err := crypto.EncryptWithPassphrase(toEncrypt, req.Password)
	if req.Compress {
		memguard.WipeBytes(toEncrypt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup payload: %w", err)
	}

	checksum := crypto.CalculateChecksum(encrypted)

	// Stage 3: optional verification round-trip before touching media.
	if req.Verify {
		if err := verifyEncryptedPayload(encrypted, req.Password, req.Compress, plaintext); err != nil {
			v.logAudit(v.newRequestID(), "backup_create", err, map[string]interface{}{
				"drive_id": req.DriveID,
			})
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4: write the artifact container to media.
	backupID := uuid.New().String()
	container := media.Container{
		BackupID:         backupID,
		CreatedAt:        payload.CreatedAt,
		DriveID:          req.DriveID,
		VaultVersion:     Version,
		ContainerVersion: payloadVersion,
		EncryptionMethod: method,
		Checksum:         checksum,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
	}
	containerData, err := json.MarshalIndent(&container, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup container: %w", err)
	}

	artifactPath, err := v.media.WriteArtifact(ctx, devicePath, backupID, containerData)
	if err != nil {
		v.logAudit(v.newRequestID(), "backup_create", err, map[string]interface{}{
			"drive_id":  req.DriveID,
			"backup_id": backupID,
		})
		return nil, fmt.Errorf("failed to write backup artifact: %w", err)
	}

	// A cancellation that raced the media write must not be indexed; clean
	// up the artifact and report the cancellation instead.
	if err := ctx.Err(); err != nil {
		if rmErr := v.media.RemoveArtifact(context.Background(), devicePath, backupID); rmErr != nil {
			err = fmt.Errorf("%w (artifact cleanup also failed: %v)", err, rmErr)
		}
		v.logAudit(v.newRequestID(), "backup_create", err, map[string]interface{}{
			"drive_id":  req.DriveID,
			"backup_id": backupID,
		})
		return nil, err
	}

	// Stage 5: persist index entry and record bookkeeping, strictly last.
	metadata := &BackupMetadata{
		BackupID:         backupID,
		VaultID:          req.VaultID,
		DriveID:          req.DriveID,
		Type:             effectiveType,
		CreatedAt:        payload.CreatedAt,
		RecordIDs:        recordIDs(snapshot),
		KeyCount:         len(snapshot),
		SizeBytes:        int64(len(containerData)),
		Checksum:         checksum,
		EncryptionMethod: method,
		Compressed:       req.Compress,
		Verified:         req.Verify,
		ArtifactPath:     artifactPath,
	}

	if err := v.indexBackup(metadata); err != nil {
		// The artifact is already on media; remove it so no orphan remains.
		if rmErr := v.media.RemoveArtifact(context.Background(), devicePath, backupID); rmErr != nil {
			err = fmt.Errorf("%w (artifact cleanup also failed: %v)", err, rmErr)
		}
		return nil, err
	}

	v.logAudit(v.newRequestID(), "backup_create", nil, map[string]interface{}{
		"backup_id": backupID,
		"drive_id":  req.DriveID,
		"type":      string(effectiveType),
		"key_count": len(snapshot),
		"verified":  req.Verify,
	})

	return metadata.clone(), nil
}

// snapshotForBackup enforces the trust gate and deep-copies the records the
// backup will contain. It returns the drive's device path, the snapshot and
// the effective backup type (incremental degrades to full when no baseline
// backup exists).
func (v *Vault) snapshotForBackup(req BackupRequest, backupType BackupType) (string, []*KeyRecord, BackupType, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return "", nil, backupType, err
	}
	if v.media == nil {
		return "", nil, backupType, fmt.Errorf("no media provider configured")
	}

	drive, ok := v.drives[req.DriveID]
	if !ok || drive.TrustLevel != TrustTrusted {
		return "", nil, backupType, fmt.Errorf("drive %s: %w", req.DriveID, ErrUntrustedTarget)
	}

	effectiveType := backupType
	var snapshot []*KeyRecord

	switch backupType {
	case BackupSelective:
		for _, id := range req.KeyIDs {
			record, ok := v.records[id]
			if !ok {
				return "", nil, backupType, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
			}
			if record.Status != StatusActive {
				return "", nil, backupType, fmt.Errorf("record %s: %w", id, ErrRecordNotActive)
			}
			snapshot = append(snapshot, record.Clone())
		}

	case BackupIncremental:
		baseline := v.newestBackupTimeLocked(req.VaultID)
		if baseline.IsZero() {
			effectiveType = BackupFull
		}
		for _, record := range v.records {
			if record.Status != StatusActive {
				continue
			}
			if req.VaultID != "" && record.VaultID != req.VaultID {
				continue
			}
			if !baseline.IsZero() && !record.CreatedAt.After(baseline) {
				continue
			}
			snapshot = append(snapshot, record.Clone())
		}

	case BackupFull:
		for _, record := range v.records {
			if record.Status != StatusActive {
				continue
			}
			if req.VaultID != "" && record.VaultID != req.VaultID {
				continue
			}
			snapshot = append(snapshot, record.Clone())
		}

	default:
		return "", nil, backupType, fmt.Errorf("unsupported backup type: %q", backupType)
	}

	if len(snapshot) == 0 {
		return "", nil, effectiveType, fmt.Errorf("no records to back up")
	}

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return drive.DevicePath, snapshot, effectiveType, nil
}

func (v *Vault) newestBackupTimeLocked(vaultID string) time.Time {
	var newest time.Time
	for _, b := range v.backups {
		if vaultID != "" && b.VaultID != vaultID {
			continue
		}
		if b.CreatedAt.After(newest) {
			newest = b.CreatedAt
		}
	}
	return newest
}

// indexBackup installs the metadata entry and stamps LastBackupAt on the
// included records, persisting both collections.
func (v *Vault) indexBackup(metadata *BackupMetadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	v.backups[metadata.BackupID] = metadata
	if err := v.persistBackupsLocked(); err != nil {
		delete(v.backups, metadata.BackupID)
		return fmt.Errorf("failed to persist backup index: %w", err)
	}

	// Best effort: backup timestamps on records are bookkeeping. A record
	// may have been purged since the snapshot; skip it.
	now := metadata.CreatedAt
	touched := false
	for _, id := range metadata.RecordIDs {
		if record, ok := v.records[id]; ok {
			t := now
			record.LastBackupAt = &t
			touched = true
		}
	}
	if touched {
		if err := v.persistRecordsLocked(); err != nil {
			v.logAudit(v.newRequestID(), "backup_bookkeeping", err, map[string]interface{}{
				"backup_id": metadata.BackupID,
			})
		}
	}

	return nil
}

func verifyEncryptedPayload(encrypted []byte, password string, compressed bool, expected []byte) error {
	decrypted, err := crypto.DecryptWithPassphrase(encrypted, password)
	if err != nil {
		return fmt.Errorf("%w: decrypt round-trip failed: %v", ErrBackupVerificationFailed, err)
	}
	defer memguard.WipeBytes(decrypted)

	roundTrip := decrypted
	if compressed {
		decompressed, err := zstdDecompress(decrypted)
		if err != nil {
			return fmt.Errorf("%w: decompress round-trip failed: %v", ErrBackupVerificationFailed, err)
		}
		defer memguard.WipeBytes(decompressed)
		roundTrip = decompressed
	}

	if !bytesEqual(roundTrip, expected) {
		return ErrBackupVerificationFailed
	}
	return nil
}

func recordIDs(records []*KeyRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// ListBackups returns index entries, optionally filtered to one drive,
// ordered newest first. Entries survive drive trust revocation and drive
// removal: history is never rewritten.
func (v *Vault) ListBackups(driveID string) ([]*BackupMetadata, error) {
	if driveID != "" {
		if err := validateDriveID(driveID); err != nil {
			return nil, err
		}
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	var out []*BackupMetadata
	for _, b := range v.backups {
		if driveID != "" && b.DriveID != driveID {
			continue
		}
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetBackup returns a copy of one index entry.
func (v *Vault) GetBackup(backupID string) (*BackupMetadata, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	b, ok := v.backups[backupID]
	if !ok {
		return nil, fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}
	return b.clone(), nil
}

// ArtifactInfo describes an artifact as inspected on media, without a
// password.
type ArtifactInfo struct {
	BackupID         string    `json:"backup_id"`
	DriveID          string    `json:"drive_id"`
	CreatedAt        time.Time `json:"created_at"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"`
	SizeBytes        int64     `json:"size_bytes"`

	// ChecksumValid reports whether the encrypted payload matches the
	// checksum recorded in the container.
	ChecksumValid bool `json:"checksum_valid"`
}

// InspectBackup reads an artifact from media and reports its envelope fields
// and integrity without decrypting anything.
func (v *Vault) InspectBackup(ctx context.Context, driveID, backupID string) (*ArtifactInfo, error) {
	containerData, container, err := v.readContainer(ctx, driveID, backupID)
	if err != nil {
		return nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("artifact payload is not valid base64: %w", err)
	}

	return &ArtifactInfo{
		BackupID:         container.BackupID,
		DriveID:          container.DriveID,
		CreatedAt:        container.CreatedAt,
		EncryptionMethod: container.EncryptionMethod,
		Checksum:         container.Checksum,
		SizeBytes:        int64(len(containerData)),
		ChecksumValid:    crypto.VerifyChecksum(encrypted, container.Checksum),
	}, nil
}

// VerifyBackup proves an artifact is restorable: checksum, decryption,
// decompression and payload parse must all succeed. Nothing is imported.
func (v *Vault) VerifyBackup(ctx context.Context, driveID, backupID, password string) error {
	_, payload, err := v.openArtifact(ctx, driveID, backupID, password)
	if err != nil {
		v.logAudit(v.newRequestID(), "backup_verify", err, map[string]interface{}{
			"drive_id":  driveID,
			"backup_id": backupID,
		})
		return err
	}

	v.logAudit(v.newRequestID(), "backup_verify", nil, map[string]interface{}{
		"drive_id":  driveID,
		"backup_id": backupID,
		"key_count": len(payload.Records),
	})
	return nil
}

// DeleteBackup removes a backup's index entry and its artifact from media.
// A missing artifact is tolerated; a missing index entry is not.
func (v *Vault) DeleteBackup(ctx context.Context, backupID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	metadata, ok := v.backups[backupID]
	if !ok {
		return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}

	delete(v.backups, backupID)
	if err := v.persistBackupsLocked(); err != nil {
		v.backups[backupID] = metadata
		return fmt.Errorf("failed to persist backup index: %w", err)
	}

	if v.media != nil {
		if drive, ok := v.drives[metadata.DriveID]; ok {
			if err := v.media.RemoveArtifact(ctx, drive.DevicePath, backupID); err != nil {
				// Index entry is gone; report the orphaned artifact.
				v.logAudit(v.newRequestID(), "backup_delete", err, map[string]interface{}{
					"backup_id": backupID,
				})
				return fmt.Errorf("backup unindexed but artifact removal failed: %w", err)
			}
		}
	}

	v.logAudit(v.newRequestID(), "backup_delete", nil, map[string]interface{}{
		"backup_id": backupID,
		"drive_id":  metadata.DriveID,
	})
	return nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
