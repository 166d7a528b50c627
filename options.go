package custody

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/akarales/zap-custody/internal/misc"
)

// Options configures vault initialization.
//
// The derivation passphrase protects everything the vault persists: the key
// record collection, the trust registry and the backup index are each
// encrypted under a key derived from it with Argon2id. Supply the passphrase
// either directly via DerivationPassphrase or indirectly via
// EnvPassphraseVar; the environment variable is read once during
// initialization and then unset from the process environment.
//
// Fields marked `json:"-"` are deliberately excluded from serialization so a
// marshaled Options can never leak key material into configuration files or
// logs.
type Options struct {
	// DerivationSalt optionally pins the Argon2id salt. When empty a random
	// salt is generated on first use and persisted. When set against an
	// existing vault it must match the persisted salt. Minimum 16 bytes.
	DerivationSalt []byte `json:"-"`

	// DerivationPassphrase protects all vault state at rest.
	// Minimum 12 characters.
	DerivationPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the
	// passphrase. Ignored when DerivationPassphrase is set.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMlock requests mlockall on supported platforms so vault memory
	// is never swapped. Failure to lock is not fatal.
	EnableMlock bool `json:"enable_mlock"`

	// UserID attributes audit events to an operator. Defaults to "system".
	UserID string `json:"user_id,omitempty"`
}

// Validate checks the options for internal consistency. It does not touch
// storage; salt agreement with an existing vault is verified during
// initialization.
func (o Options) Validate() error {
	if o.DerivationPassphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either DerivationPassphrase or EnvPassphraseVar is required")
	}

	if o.DerivationPassphrase != "" && len(o.DerivationPassphrase) < misc.MinBackupPasswordLen {
		return fmt.Errorf("derivation passphrase must be at least %d characters long", misc.MinBackupPasswordLen)
	}

	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		return fmt.Errorf("invalid environment variable name: %s", o.EnvPassphraseVar)
	}

	if o.DerivationSalt != nil && len(o.DerivationSalt) < misc.SaltSize {
		return fmt.Errorf("derivation salt must be at least %d bytes", misc.SaltSize)
	}

	return nil
}

func isValidEnvVarName(name string) bool {
	if name == "" || strings.HasPrefix(name, "0") {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsUpper(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
