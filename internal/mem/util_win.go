//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock only covers explicit ranges; memguard already locks key pages
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
