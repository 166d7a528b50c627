package custody

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by vault operations. Callers should test with
// errors.Is since most are returned wrapped with operation context.
var (
	// ErrVaultClosed is returned by every operation after Close.
	ErrVaultClosed = errors.New("vault is closed")

	// ErrRecordNotFound indicates the referenced key record does not exist.
	ErrRecordNotFound = errors.New("key record not found")

	// ErrDriveNotFound indicates the referenced drive is not registered.
	ErrDriveNotFound = errors.New("drive not found")

	// ErrBackupNotFound indicates the referenced backup does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrInvalidDriveIdentity indicates a malformed drive identifier.
	ErrInvalidDriveIdentity = errors.New("invalid drive identity")

	// ErrInvalidTransition indicates a lifecycle transition that is not
	// allowed from the record's current status.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrRecordNotActive indicates an operation that requires an Active
	// record was attempted against a trashed one.
	ErrRecordNotActive = errors.New("key record is not active")

	// ErrUntrustedTarget indicates a backup was directed at a drive whose
	// trust level is not Trusted.
	ErrUntrustedTarget = errors.New("backup target drive is not trusted")

	// ErrChecksumMismatch indicates artifact bytes failed integrity
	// verification before any decryption was attempted.
	ErrChecksumMismatch = errors.New("artifact checksum mismatch")

	// ErrDecryptionFailed indicates the artifact was intact but could not
	// be decrypted, almost always a wrong password.
	ErrDecryptionFailed = errors.New("artifact decryption failed")

	// ErrBackupVerificationFailed indicates the post-write verification
	// round-trip did not reproduce the original payload.
	ErrBackupVerificationFailed = errors.New("backup verification failed")
)

// TransitionError reports a rejected lifecycle transition along with the
// record and the states involved. It matches ErrInvalidTransition under
// errors.Is.
type TransitionError struct {
	RecordID string
	From     KeyStatus
	To       KeyStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %s: cannot transition from %s to %s", e.RecordID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
