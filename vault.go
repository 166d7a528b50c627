// Package custody implements key custody and cold-storage backup for ZAP
// vaults: key record lifecycle management, a trust registry for removable
// media, and an encrypted backup/restore pipeline targeting those drives.
package custody

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/akarales/zap-custody/audit"
	"github.com/akarales/zap-custody/internal/crypto"
	"github.com/akarales/zap-custody/internal/mem"
	"github.com/akarales/zap-custody/internal/misc"
	"github.com/akarales/zap-custody/media"
	"github.com/akarales/zap-custody/persist"
)

// Version is the custody library version recorded in backup artifacts.
const Version = "1.0.0"

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// Initialize memguard in init function to ensure it's set up before any vault operation
func init() {
	memguard.CatchInterrupt()
}

// Vault holds the key record collection, the media trust registry and the
// backup index in memory, persisting each as a single encrypted blob through
// a persist.Store. A sync.RWMutex serializes mutations; reads take the read
// lock and return deep copies.
type Vault struct {
	store    persist.Store
	media    media.Provider
	provider CryptoProvider

	mu sync.RWMutex

	// In-memory collections, loaded at initialization.
	records map[string]*KeyRecord
	drives  map[string]*TrustedDrive
	backups map[string]*BackupMetadata

	// Memory protection
	memoryProtectionLevel mem.ProtectionLevel

	// Derivation key management
	derivationKeyEnclave  *memguard.Enclave
	derivationSaltEnclave *memguard.Enclave

	// Audit logging
	audit audit.Logger

	// the operator the audit trail attributes actions to
	userID string

	closed bool
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// New creates a vault backed by the given storage, media and crypto
// implementations.
//
// Initialization performs these steps:
//  1. Validates configuration options
//  2. Tests storage backend connectivity
//  3. Sets up memory protection (best-effort when requested)
//  4. Loads or creates the key derivation salt
//  5. Derives the collection encryption key from the passphrase
//  6. Loads the record, drive and backup collections, creating empty ones
//     for a new vault
//
// Parameters:
//   - options: passphrase, salt and operational settings
//   - store: storage backend for persisting encrypted vault state
//   - mediaProvider: access to removable drives (nil is allowed; backup and
//     restore operations will fail until one is supplied)
//   - cryptoProvider: key generation backend (nil selects SoftwareProvider)
//   - auditLogger: audit sink (nil selects the no-op logger)
//
// Returns the initialized vault, or an error if any stage fails. A wrong
// passphrase against an existing vault surfaces as a decryption failure while
// loading collections.
func New(options Options, store persist.Store, mediaProvider media.Provider, cryptoProvider CryptoProvider, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if cryptoProvider == nil {
		cryptoProvider = NewSoftwareProvider()
	}

	userID := options.UserID
	if userID == "" {
		userID = "system"
	}

	v := &Vault{
		store:    store,
		media:    mediaProvider,
		provider: cryptoProvider,
		records:  make(map[string]*KeyRecord),
		drives:   make(map[string]*TrustedDrive),
		backups:  make(map[string]*BackupMetadata),
		audit:    auditLogger,
		userID:   userID,

		memoryProtectionLevel: mem.ProtectionNone,
	}

	if options.EnableMlock {
		protectionLevel, err := mem.Lock()
		if err != nil {
			// Not fatal: memguard still provides enclave protection.
			fmt.Fprintf(os.Stderr, "WARNING: cannot fully protect memory: %v\n", err)
		}
		v.memoryProtectionLevel = protectionLevel
	}

	if err := v.loadOrCreateSalt(options.DerivationSalt); err != nil {
		return nil, fmt.Errorf("failed to setup derivation salt: %w", err)
	}

	if err := v.setupDerivationKey(options.DerivationPassphrase, options.EnvPassphraseVar); err != nil {
		return nil, fmt.Errorf("failed to set up derivation key: %w", err)
	}

	if err := v.loadCollections(); err != nil {
		return nil, err
	}

	v.logAudit(v.newRequestID(), "vault_initialized", nil, map[string]interface{}{
		"store_type":        store.GetType(),
		"memory_protection": v.memoryProtectionLevel.String(),
		"record_count":      len(v.records),
		"drive_count":       len(v.drives),
		"backup_count":      len(v.backups),
	})

	return v, nil
}

// MemoryProtection describes the level of memory locking achieved.
func (v *Vault) MemoryProtection() string {
	return v.memoryProtectionLevel.String()
}

// Audit exposes the vault's audit logger for querying.
func (v *Vault) Audit() audit.Logger {
	return v.audit
}

// Close releases derived key material and closes the storage backend. The
// vault must not be used afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	v.derivationKeyEnclave = nil
	v.derivationSaltEnclave = nil
	v.records = nil
	v.drives = nil
	v.backups = nil

	var errs []error
	if v.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	v.logAudit(v.newRequestID(), "vault_closed", nil, nil)
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	return combineErrs(errs)
}

func combineErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := errs[0].Error()
	for _, err := range errs[1:] {
		msg += "; " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// checkOpenLocked must be called with at least the read lock held.
func (v *Vault) checkOpenLocked() error {
	if v.closed {
		return ErrVaultClosed
	}
	return nil
}

// -- derivation key setup ----------------------------------------------------

func (v *Vault) setupDerivationKey(passphrase string, envVar string) error {
	var passphraseData []byte

	if passphrase != "" {
		passphraseData = []byte(passphrase)
	} else if envVar != "" {
		envPass := os.Getenv(envVar)
		if envPass == "" {
			return fmt.Errorf("environment variable %s is empty or not set", envVar)
		}
		passphraseData = []byte(envPass)

		// Clear environment variable immediately
		os.Unsetenv(envVar)
	} else {
		return fmt.Errorf("no passphrase or environment variable provided")
	}
	defer memguard.WipeBytes(passphraseData)

	if len(passphraseData) < misc.MinBackupPasswordLen {
		return fmt.Errorf("passphrase must be at least %d characters long", misc.MinBackupPasswordLen)
	}

	if v.derivationSaltEnclave == nil {
		return fmt.Errorf("derivation salt not initialized")
	}

	derivedKey, err := crypto.DeriveKey(passphraseData, v.derivationSaltEnclave)
	if err != nil {
		return err
	}

	keyBytes := make([]byte, len(derivedKey.Bytes()))
	copy(keyBytes, derivedKey.Bytes())
	derivedKey.Destroy()

	// NewEnclave takes ownership and wipes keyBytes.
	v.derivationKeyEnclave = memguard.NewEnclave(keyBytes)

	return nil
}

// loadOrCreateSalt handles the salt for key derivation
func (v *Vault) loadOrCreateSalt(providedSalt []byte) error {
	exists, err := v.store.SaltExists()
	if err != nil {
		return fmt.Errorf("failed to check salt existence: %w", err)
	}

	if exists {
		versionedSalt, err := v.store.LoadSalt()
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}

		existingSaltData := versionedSalt.Data
		defer memguard.WipeBytes(existingSaltData)

		// If a salt was provided, it must match the persisted one.
		if len(providedSalt) >= misc.SaltSize && !bytes.Equal(existingSaltData, providedSalt) {
			return fmt.Errorf("provided salt does not match existing salt in storage")
		}

		saltCopy := make([]byte, len(existingSaltData))
		copy(saltCopy, existingSaltData)
		v.derivationSaltEnclave = memguard.NewEnclave(saltCopy)
		return nil
	}

	var saltData []byte
	if len(providedSalt) >= misc.SaltSize {
		saltData = make([]byte, len(providedSalt))
		copy(saltData, providedSalt)
	} else {
		saltData = make([]byte, 32)
		if _, err = rand.Read(saltData); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	if _, err = v.store.SaveSalt(saltData, ""); err != nil {
		memguard.WipeBytes(saltData)
		return fmt.Errorf("failed to save salt: %w", err)
	}

	v.derivationSaltEnclave = memguard.NewEnclave(saltData)
	return nil
}

// -- collection persistence --------------------------------------------------

// recordsContainer is the serialized form of the key record collection.
type recordsContainer struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Records   map[string]*KeyRecord `json:"records"`
}

type drivesContainer struct {
	Version   string                   `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
	Drives    map[string]*TrustedDrive `json:"drives"`
}

type backupsContainer struct {
	Version   string                     `json:"version"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Backups   map[string]*BackupMetadata `json:"backups"`
}

func (v *Vault) loadCollections() error {
	if err := loadCollection(v, v.store.RecordsExist, v.store.LoadRecords, func(c *recordsContainer) {
		v.records = c.Records
	}, func() *recordsContainer {
		return &recordsContainer{Version: Version, UpdatedAt: time.Now().UTC(), Records: map[string]*KeyRecord{}}
	}, v.persistRecordsLocked, "key records"); err != nil {
		return err
	}

	if err := loadCollection(v, v.store.DrivesExist, v.store.LoadDrives, func(c *drivesContainer) {
		v.drives = c.Drives
	}, func() *drivesContainer {
		return &drivesContainer{Version: Version, UpdatedAt: time.Now().UTC(), Drives: map[string]*TrustedDrive{}}
	}, v.persistDrivesLocked, "trust registry"); err != nil {
		return err
	}

	return loadCollection(v, v.store.BackupIndexExists, v.store.LoadBackupIndex, func(c *backupsContainer) {
		v.backups = c.Backups
	}, func() *backupsContainer {
		return &backupsContainer{Version: Version, UpdatedAt: time.Now().UTC(), Backups: map[string]*BackupMetadata{}}
	}, v.persistBackupsLocked, "backup index")
}

// loadCollection decrypts and installs one persisted collection, creating and
// persisting an empty one when the store has none.
func loadCollection[C any](
	v *Vault,
	exists func() (bool, error),
	load func() (*persist.VersionedData, error),
	install func(*C),
	empty func() *C,
	persistFn func() error,
	what string,
) error {
	ok, err := exists()
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", what, err)
	}

	if !ok {
		install(empty())
		if err := persistFn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", what, err)
		}
		return nil
	}

	versioned, err := load()
	if err != nil {
		// The collection can vanish between the existence check and the
		// load when another process shares the store.
		if misc.IsNotFoundError(err) {
			install(empty())
			if err := persistFn(); err != nil {
				return fmt.Errorf("failed to initialize %s: %w", what, err)
			}
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", what, err)
	}

	plaintext, err := v.decryptWithDerivationKey(versioned.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt %s (wrong passphrase?): %w", what, err)
	}
	defer memguard.WipeBytes(plaintext)

	var container C
	if err := json.Unmarshal(plaintext, &container); err != nil {
		return fmt.Errorf("failed to parse %s: %w", what, err)
	}
	install(&container)
	return nil
}

// persistRecordsLocked serializes, encrypts and saves the record collection.
// Callers must hold the write lock.
func (v *Vault) persistRecordsLocked() error {
	container := recordsContainer{
		Version:   Version,
		UpdatedAt: time.Now().UTC(),
		Records:   v.records,
	}
	return v.persistCollection(&container, v.store.LoadRecords, v.store.SaveRecords, "saveRecords")
}

func (v *Vault) persistDrivesLocked() error {
	container := drivesContainer{
		Version:   Version,
		UpdatedAt: time.Now().UTC(),
		Drives:    v.drives,
	}
	return v.persistCollection(&container, v.store.LoadDrives, v.store.SaveDrives, "saveDrives")
}

func (v *Vault) persistBackupsLocked() error {
	container := backupsContainer{
		Version:   Version,
		UpdatedAt: time.Now().UTC(),
		Backups:   v.backups,
	}
	return v.persistCollection(&container, v.store.LoadBackupIndex, v.store.SaveBackupIndex, "saveBackupIndex")
}

func (v *Vault) persistCollection(container interface{}, load func() (*persist.VersionedData, error), save func([]byte, string) (string, error), operation string) error {
	plaintext, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("failed to marshal collection: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	encrypted, err := v.encryptWithDerivationKey(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt collection: %w", err)
	}

	return v.withRetry(operation, func() error {
		var currentVersion string
		if current, err := load(); err == nil {
			currentVersion = current.Version
		}
		_, err := save(encrypted, currentVersion)
		return err
	})
}

func (v *Vault) encryptWithDerivationKey(data []byte) ([]byte, error) {
	if v.derivationKeyEnclave == nil {
		return nil, fmt.Errorf("derivation key not initialized")
	}

	keyBuffer, err := v.derivationKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open derivation key: %w", err)
	}
	defer keyBuffer.Destroy()

	return crypto.EncryptValue(data, keyBuffer.Bytes())
}

func (v *Vault) decryptWithDerivationKey(encryptedData []byte) ([]byte, error) {
	if v.derivationKeyEnclave == nil {
		return nil, fmt.Errorf("derivation key not initialized")
	}

	keyBuffer, err := v.derivationKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open derivation key: %w", err)
	}
	defer keyBuffer.Destroy()

	return crypto.DecryptValue(encryptedData, keyBuffer.Bytes())
}

// -- audit and retry ---------------------------------------------------------

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if v.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["user_id"] = v.userID
	metadata["request_id"] = requestID

	success := err == nil
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := v.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}

func (v *Vault) newRequestID() string {
	return fmt.Sprintf("c_%d", time.Now().UnixNano())
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (v *Vault) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if concErr, ok := err.(interface{ IsConcurrencyError() bool }); ok && concErr.IsConcurrencyError() {
			if attempt == config.MaxRetries {
				return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
					operation, config.MaxRetries+1, err)
			}

			delay := config.BaseDelay * (1 << attempt)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			// Add jitter (25%)
			jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}
