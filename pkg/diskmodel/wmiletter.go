//go:build windows

package diskmodel

import (
	"fmt"

	"github.com/yusufpapurcu/wmi"
)

// win32DiskPartition mirrors the Win32_DiskPartition fields this package
// reads; wmi populates it by reflecting on the struct tags, same pattern
// jaypipes/ghw itself uses internally on Windows for this exact class.
type win32DiskPartition struct {
	DiskIndex uint32
	Index     uint32
	DeviceID  string
}

// win32LogicalDiskToPartition mirrors the associator query joining a
// Win32_LogicalDisk (drive letter) to its Win32_DiskPartition.
type win32LogicalDiskToPartition struct {
	Antecedent string
	Dependent  string
}

// WMIDriveLetterResolver resolves drive letters through WMI's
// Win32_LogicalDiskToPartition associator class, the standard way Windows
// exposes the disk/partition -> drive letter mapping outside of the
// (internal, undocumented) mount manager APIs.
type WMIDriveLetterResolver struct{}

func (WMIDriveLetterResolver) DriveLetterFor(diskIndex, partitionIndex int) (string, error) {
	var partitions []win32DiskPartition
	q := fmt.Sprintf("SELECT DiskIndex, Index, DeviceID FROM Win32_DiskPartition WHERE DiskIndex=%d AND Index=%d", diskIndex, partitionIndex)
	if err := wmi.Query(q, &partitions); err != nil {
		return "", fmt.Errorf("diskmodel: querying Win32_DiskPartition: %w", err)
	}
	if len(partitions) == 0 {
		return "", fmt.Errorf("diskmodel: no partition at disk %d index %d", diskIndex, partitionIndex)
	}
	deviceID := partitions[0].DeviceID

	var links []win32LogicalDiskToPartition
	q = fmt.Sprintf(`ASSOCIATORS OF {Win32_DiskPartition.DeviceID='%s'} WHERE AssocClass=Win32_LogicalDiskToPartition`, deviceID)
	if err := wmi.Query(q, &links); err != nil {
		return "", fmt.Errorf("diskmodel: resolving logical disk association: %w", err)
	}
	if len(links) == 0 {
		return "", fmt.Errorf("diskmodel: partition %s has no mounted drive letter", deviceID)
	}

	return links[0].Dependent, nil
}
