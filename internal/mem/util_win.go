//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists but has per-process quota limitations, so only
	// partial protection is claimed on Windows.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
