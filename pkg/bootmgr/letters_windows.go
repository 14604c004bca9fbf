//go:build windows

package bootmgr

import "golang.org/x/sys/windows"

// nextFreeESPLetter walks S: upward, the conventional neighborhood for a
// temporarily mounted system partition.
func nextFreeESPLetter() string {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return ""
	}
	for c := byte('S'); c <= 'Z'; c++ {
		if mask&(1<<(c-'A')) == 0 {
			return string(c) + ":"
		}
	}
	return ""
}
