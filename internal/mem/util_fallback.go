//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// No mlockall equivalent here. Buffers are still wiped on release.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
