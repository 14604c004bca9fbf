//go:build windows

package diskmodel

import "golang.org/x/sys/windows"

// nextFreeLetter returns the first unused drive letter from T: downward to
// Z:, staying clear of the low letters Windows hands out to new media.
func nextFreeLetter() string {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return ""
	}
	for c := byte('T'); c <= 'Z'; c++ {
		if mask&(1<<(c-'A')) == 0 {
			return string(c) + ":"
		}
	}
	for c := byte('E'); c < 'T'; c++ {
		if mask&(1<<(c-'A')) == 0 {
			return string(c) + ":"
		}
	}
	return ""
}
