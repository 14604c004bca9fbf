//go:build !windows

package diskmodel

import "fmt"

// WMIDriveLetterResolver requires WMI and therefore Windows; the stub keeps
// cross-compiled builds and the test suites linking.
type WMIDriveLetterResolver struct{}

func (WMIDriveLetterResolver) DriveLetterFor(diskIndex, partitionIndex int) (string, error) {
	return "", fmt.Errorf("drive letter resolution unavailable on this platform")
}
