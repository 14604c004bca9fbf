//go:build windows

package engine

import "os"

// RunningInPE detects the preinstallation environment: PE sets the
// MiniNT registry marker, but the cheap and reliable signal is the
// SystemDrive being the ramdisk X:.
func RunningInPE() bool {
	return os.Getenv("SystemDrive") == "X:"
}
