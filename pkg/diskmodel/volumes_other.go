//go:build !windows

package diskmodel

import "fmt"

// WinVolumeStats only works on Windows; the stub keeps cross-compiled
// builds and the test suites linking.
type WinVolumeStats struct{}

func (WinVolumeStats) Stats(letter string) (uint64, uint64, string, string, error) {
	return 0, 0, "", "", fmt.Errorf("volume stats unavailable on this platform")
}

func VolumeOffset(letter string) (uint64, error) {
	return 0, fmt.Errorf("volume offset unavailable on this platform")
}
