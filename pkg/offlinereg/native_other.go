//go:build !windows

package offlinereg

import "fmt"

// Native registry reads only exist on Windows; these stubs keep the package
// buildable for cross-compiled tooling and tests.

func (r *Registry) GetDWORD(keyPath, valueName string) (uint32, error) {
	return 0, fmt.Errorf("native registry access unavailable on this platform")
}

func (r *Registry) GetString(keyPath, valueName string) (string, error) {
	return "", fmt.Errorf("native registry access unavailable on this platform")
}
