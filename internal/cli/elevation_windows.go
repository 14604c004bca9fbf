//go:build windows

package cli

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// requireElevation rejects non-administrator runs: every destructive
// command here needs raw volume and registry access.
func requireElevation() error {
	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY, 2,
		windows.SECURITY_BUILTIN_DOMAIN_RID, windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0, &sid)
	if err != nil {
		return fmt.Errorf("checking elevation: %w", err)
	}
	defer windows.FreeSid(sid) //nolint:errcheck

	token := windows.Token(0)
	member, err := token.IsMember(sid)
	if err != nil {
		return fmt.Errorf("checking elevation: %w", err)
	}
	if !member {
		return fmt.Errorf("this command must run from an elevated prompt")
	}
	return nil
}
