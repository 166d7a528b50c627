package custody

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// TrashKey moves an Active record to Trashed. Trashed records are excluded
// from Full backups and from default listings but remain in the collection.
//
// Possible errors: ErrRecordNotFound, ErrInvalidTransition (record already
// trashed), ErrVaultClosed, persistence failures. On a persistence failure
// the in-memory state is reverted, so the collection never diverges from
// storage.
func (v *Vault) TrashKey(recordID string) error {
	return v.transition(recordID, "key_trash", StatusActive, StatusTrashed, func(r *KeyRecord) {
		now := time.Now().UTC()
		r.Status = StatusTrashed
		r.TrashedAt = &now
	})
}

// RestoreKey moves a Trashed record back to Active and clears its trash
// timestamp.
//
// Possible errors: ErrRecordNotFound, ErrInvalidTransition (record is
// active), ErrVaultClosed, persistence failures.
func (v *Vault) RestoreKey(recordID string) error {
	return v.transition(recordID, "key_restore", StatusTrashed, StatusActive, func(r *KeyRecord) {
		r.Status = StatusActive
		r.TrashedAt = nil
	})
}

func (v *Vault) transition(recordID, action string, from, to KeyStatus, mutate func(*KeyRecord)) error {
	if err := validateRecordID(recordID); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	record, ok := v.records[recordID]
	if !ok {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		v.logAudit(v.newRequestID(), action, err, map[string]interface{}{"record_id": recordID})
		return err
	}

	if record.Status != from {
		err := &TransitionError{RecordID: recordID, From: record.Status, To: to}
		v.logAudit(v.newRequestID(), action, err, map[string]interface{}{"record_id": recordID})
		return err
	}

	prev := record.Clone()
	mutate(record)

	if err := v.persistRecordsLocked(); err != nil {
		v.records[recordID] = prev
		return fmt.Errorf("failed to persist key records: %w", err)
	}

	v.logAudit(v.newRequestID(), action, nil, map[string]interface{}{
		"record_id": recordID,
		"from":      string(from),
		"to":        string(to),
	})

	return nil
}

// PurgeKey permanently deletes a record. The encrypted private key bytes are
// wiped before the record is dropped from the collection; the operation is
// irreversible and the record ID is reusable afterwards.
//
// A purge is normally issued against a Trashed record. Purging an Active
// record directly is allowed at this layer; interactive callers are expected
// to gate that path behind explicit confirmation.
//
// Backups are never touched: artifacts containing the purged key remain on
// their drives and the backup index keeps listing them.
func (v *Vault) PurgeKey(recordID string) error {
	if err := validateRecordID(recordID); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOpenLocked(); err != nil {
		return err
	}

	record, ok := v.records[recordID]
	if !ok {
		err := fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		v.logAudit(v.newRequestID(), "key_purge", err, map[string]interface{}{"record_id": recordID})
		return err
	}

	prev := record.Clone()
	wasActive := record.Status == StatusActive

	memguard.WipeBytes(record.EncryptedPrivateKey)
	delete(v.records, recordID)

	if err := v.persistRecordsLocked(); err != nil {
		v.records[recordID] = prev
		return fmt.Errorf("failed to persist key records: %w", err)
	}

	v.logAudit(v.newRequestID(), "key_purge", nil, map[string]interface{}{
		"record_id":  recordID,
		"was_active": wasActive,
	})

	return nil
}
