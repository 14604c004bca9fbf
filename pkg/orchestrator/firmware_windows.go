//go:build windows

package orchestrator

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// firmwareIsUEFI asks the firmware environment API. On BIOS machines the
// call fails with ERROR_INVALID_FUNCTION; any other outcome (including
// access denied on an unprivileged process) means UEFI.
func firmwareIsUEFI() bool {
	name, _ := windows.UTF16PtrFromString("")
	guid, _ := windows.UTF16PtrFromString("{00000000-0000-0000-0000-000000000000}")
	_, err := getFirmwareEnvironmentVariable(name, guid)
	return err != windows.ERROR_INVALID_FUNCTION
}

var (
	kernel32                       = windows.NewLazySystemDLL("kernel32.dll")
	procGetFirmwareEnvironmentVarW = kernel32.NewProc("GetFirmwareEnvironmentVariableW")
)

func getFirmwareEnvironmentVariable(name, guid *uint16) (uint32, error) {
	var buf [4]byte
	r, _, err := procGetFirmwareEnvironmentVarW.Call(
		uintptr(unsafe.Pointer(name)),
		uintptr(unsafe.Pointer(guid)),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if r == 0 {
		return 0, err
	}
	return uint32(r), nil
}
