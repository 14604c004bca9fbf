//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// hideWindow sets the CREATE_NO_WINDOW flag so diskpart/reg/manage-bde
// spawn without flashing a console.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: 0x08000000, // CREATE_NO_WINDOW
	}
}
