package custody

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/akarales/zap-custody/internal/crypto"
	"github.com/akarales/zap-custody/media"
)

// RestoreReport summarizes the outcome of a restore: which records were
// imported, which were skipped because they already exist, and which failed
// validation. Skipping is not an error.
type RestoreReport struct {
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// readContainer loads and parses the artifact envelope for a backup on the
// given drive. Restore deliberately has no trust gate: an untrusted or
// blocked drive is still a valid restore source, the artifact's own
// checksum and encryption are the integrity boundary.
func (v *Vault) readContainer(ctx context.Context, driveID, backupID string) ([]byte, *media.Container, error) {
	if err := validateDriveID(driveID); err != nil {
		return nil, nil, err
	}

	v.mu.RLock()
	if err := v.checkOpenLocked(); err != nil {
		v.mu.RUnlock()
		return nil, nil, err
	}
	if v.media == nil {
		v.mu.RUnlock()
		return nil, nil, fmt.Errorf("no media provider configured")
	}
	devicePath := driveID
	if drive, ok := v.drives[driveID]; ok {
		devicePath = drive.DevicePath
	}
	v.mu.RUnlock()

	containerData, err := v.media.ReadArtifact(ctx, devicePath, backupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read backup artifact: %w", err)
	}

	var container media.Container
	if err := json.Unmarshal(containerData, &container); err != nil {
		return nil, nil, fmt.Errorf("failed to parse backup container: %w", err)
	}

	return containerData, &container, nil
}

// openArtifact reads an artifact, verifies its checksum, decrypts it with
// the supplied password and parses the payload. The checksum is verified
// over the still-encrypted bytes before any decryption is attempted, so a
// corrupted artifact reports ErrChecksumMismatch and a wrong password
// reports ErrDecryptionFailed, never the other way round.
func (v *Vault) openArtifact(ctx context.Context, driveID, backupID, password string) (*media.Container, *backupPayload, error) {
	_, container, err := v.readContainer(ctx, driveID, backupID)
	if err != nil {
		return nil, nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact payload is not valid base64: %w", err)
	}

	if !crypto.VerifyChecksum(encrypted, container.Checksum) {
		return nil, nil, fmt.Errorf("backup %s: %w", backupID, ErrChecksumMismatch)
	}

	decrypted, err := crypto.DecryptWithPassphrase(encrypted, password)
	if err != nil {
		return nil, nil, fmt.Errorf("backup %s: %w", backupID, ErrDecryptionFailed)
	}
	defer memguard.WipeBytes(decrypted)

	plaintext := decrypted
	if strings.HasSuffix(container.EncryptionMethod, compressedSuffix) {
		decompressed, err := zstdDecompress(decrypted)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decompress backup payload: %w", err)
		}
		defer memguard.WipeBytes(decompressed)
		plaintext = decompressed
	}

	var payload backupPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, nil, fmt.Errorf("failed to parse backup payload: %w", err)
	}

	return container, &payload, nil
}

// RestoreBackup imports the records from an artifact into the vault.
//
// Records whose IDs already exist in the vault are skipped, never
// overwritten; a record on media can never clobber a live one. Imported
// records keep the status they carried when the backup was taken. The
// import is all-or-nothing with respect to persistence: either every
// restored record is written in one persist, or none is.
func (v *Vault) RestoreBackup(ctx context.Context, driveID, backupID, password string) (*RestoreReport, error) {
	_, payload, err := v.openArtifact(ctx, driveID, backupID, password)
	if err != nil {
		v.logAudit(v.newRequestID(), "backup_restore", err, map[string]interface{}{
			"drive_id":  driveID,
			"backup_id": backupID,
		})
		return nil, err
	}

	report := &RestoreReport{}
	var incoming []*KeyRecord
	for _, record := range payload.Records {
		if record == nil || validateRecordID(record.ID) != nil {
			id := "(invalid)"
			if record != nil {
				id = record.ID
			}
			report.Failed = append(report.Failed, id)
			continue
		}
		incoming = append(incoming, record)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}

	var restored []*KeyRecord
	for _, record := range incoming {
		if _, exists := v.records[record.ID]; exists {
			report.Skipped = append(report.Skipped, record.ID)
			continue
		}
		restored = append(restored, record)
	}

	// Cancellation is honored up to this point; once the map is touched the
	// persist must run so state and storage cannot diverge.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(restored) > 0 {
		for _, record := range restored {
			v.records[record.ID] = record.Clone()
		}
		if err := v.persistRecordsLocked(); err != nil {
			for _, record := range restored {
				delete(v.records, record.ID)
			}
			v.logAudit(v.newRequestID(), "backup_restore", err, map[string]interface{}{
				"drive_id":  driveID,
				"backup_id": backupID,
			})
			return nil, fmt.Errorf("failed to persist restored records: %w", err)
		}
		for _, record := range restored {
			report.Restored = append(report.Restored, record.ID)
		}
	}

	v.logAudit(v.newRequestID(), "backup_restore", nil, map[string]interface{}{
		"drive_id":  driveID,
		"backup_id": backupID,
		"restored":  len(report.Restored),
		"skipped":   len(report.Skipped),
		"failed":    len(report.Failed),
	})

	return report, nil
}
