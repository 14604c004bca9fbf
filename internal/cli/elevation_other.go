//go:build !windows

package cli

// requireElevation is a no-op off Windows (development and tests).
func requireElevation() error {
	return nil
}
