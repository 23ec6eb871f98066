//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// no mlock here; secrets are still zeroed on release
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
