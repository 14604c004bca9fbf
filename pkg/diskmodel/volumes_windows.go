//go:build windows

package diskmodel

import (
	"strings"

	"golang.org/x/sys/windows"
)

// WinVolumeStats reads a mounted volume's capacity and identity through
// kernel32, the same view Explorer shows.
type WinVolumeStats struct{}

func (WinVolumeStats) Stats(letter string) (uint64, uint64, string, string, error) {
	root := strings.TrimSuffix(letter, `\`) + `\`
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, 0, "", "", err
	}

	var freeToCaller, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(rootPtr, &freeToCaller, &total, &free); err != nil {
		return 0, 0, "", "", err
	}

	var labelBuf, fsBuf [windows.MAX_PATH + 1]uint16
	var serial, maxComponent, flags uint32
	err = windows.GetVolumeInformation(rootPtr,
		&labelBuf[0], uint32(len(labelBuf)),
		&serial, &maxComponent, &flags,
		&fsBuf[0], uint32(len(fsBuf)))
	if err != nil {
		// Capacity alone is still useful; a locked BitLocker volume fails here.
		return total, free, "", "", nil
	}

	return total, free, windows.UTF16ToString(fsBuf[:]), windows.UTF16ToString(labelBuf[:]), nil
}

// VolumeOffset returns the starting byte offset of the volume mounted as
// letter, used to match letters to partition-table entries.
func VolumeOffset(letter string) (uint64, error) {
	path := `\\.\` + strings.TrimSuffix(letter, `\`)
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(pathPtr, 0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h) //nolint:errcheck

	// VOLUME_DISK_EXTENTS: NumberOfDiskExtents + one DISK_EXTENT
	// (DiskNumber, StartingOffset, ExtentLength).
	const ioctlVolumeGetDiskExtents = 0x00560000
	var buf [32]byte
	var returned uint32
	if err := windows.DeviceIoControl(h, ioctlVolumeGetDiskExtents,
		nil, 0, &buf[0], uint32(len(buf)), &returned, nil); err != nil {
		return 0, err
	}

	// StartingOffset sits at byte 16 of the first extent (8 bytes count +
	// padding, 4 bytes DiskNumber + 4 padding).
	offset := uint64(buf[16]) | uint64(buf[17])<<8 | uint64(buf[18])<<16 | uint64(buf[19])<<24 |
		uint64(buf[20])<<32 | uint64(buf[21])<<40 | uint64(buf[22])<<48 | uint64(buf[23])<<56
	return offset, nil
}
