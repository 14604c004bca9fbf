//go:build !windows

package diskmodel

// nextFreeLetter has no meaning off Windows; tests drive shrinkAndCreate
// through the diskpart script composition instead.
func nextFreeLetter() string {
	return "T:"
}
