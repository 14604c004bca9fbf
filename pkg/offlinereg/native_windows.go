//go:build windows

package offlinereg

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unicode/utf16"

	"github.com/lxn/win"
)

// GetDWORD reads a REG_DWORD under HKLM\keyPath through the native registry
// API, avoiding a reg.exe spawn and its output parsing. Used by the
// advanced-options applier to verify idempotent transforms.
func (r *Registry) GetDWORD(keyPath, valueName string) (uint32, error) {
	data, _, err := queryValue(keyPath, valueName)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("value HKLM\\%s!%s is not a DWORD", keyPath, valueName)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// GetString reads a REG_SZ/REG_EXPAND_SZ under HKLM\keyPath natively.
func (r *Registry) GetString(keyPath, valueName string) (string, error) {
	data, _, err := queryValue(keyPath, valueName)
	if err != nil {
		return "", err
	}
	u16 := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		u16 = append(u16, binary.LittleEndian.Uint16(data[i:]))
	}
	for len(u16) > 0 && u16[len(u16)-1] == 0 {
		u16 = u16[:len(u16)-1]
	}
	return string(utf16.Decode(u16)), nil
}

func queryValue(keyPath, valueName string) ([]byte, uint32, error) {
	subKey, err := syscall.UTF16PtrFromString(keyPath)
	if err != nil {
		return nil, 0, err
	}
	var hk win.HKEY
	if ret := win.RegOpenKeyEx(win.HKEY_LOCAL_MACHINE, subKey, 0, win.KEY_READ, &hk); ret != 0 {
		return nil, 0, fmt.Errorf("opening HKLM\\%s: error %d", keyPath, ret)
	}
	defer win.RegCloseKey(hk)

	valName, err := syscall.UTF16PtrFromString(valueName)
	if err != nil {
		return nil, 0, err
	}
	var valType, size uint32
	if ret := win.RegQueryValueEx(hk, valName, nil, &valType, nil, &size); ret != 0 {
		return nil, 0, fmt.Errorf("querying HKLM\\%s!%s: error %d", keyPath, valueName, ret)
	}
	if size == 0 {
		return nil, valType, nil
	}
	data := make([]byte, size)
	if ret := win.RegQueryValueEx(hk, valName, nil, &valType, &data[0], &size); ret != 0 {
		return nil, 0, fmt.Errorf("reading HKLM\\%s!%s: error %d", keyPath, valueName, ret)
	}
	return data[:size], valType, nil
}
