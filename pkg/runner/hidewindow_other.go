//go:build !windows

package runner

import "os/exec"

// hideWindow is a no-op off Windows; this engine only ever actually runs
// there, but the rest of the package stays importable on any GOOS for tests.
func hideWindow(cmd *exec.Cmd) {}
