//go:build !windows

package bitlocker

import (
	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/types"
)

// nativeBackend requires the FVE WMI provider; off Windows every call
// reports Environment so the composite falls straight through to the shell
// backend (which tests script through the fake runner).
type nativeBackend struct {
	cfg *config.Config
}

func newNativeBackend(cfg *config.Config) Backend {
	return &nativeBackend{cfg: cfg}
}

func (n *nativeBackend) Name() string { return "fve-wmi" }

func (n *nativeBackend) err() error {
	return types.NewEngineError(types.KindEnvironment, "FVE provider unavailable on this platform", nil)
}

func (n *nativeBackend) Status(string) (RawStatus, error) {
	return RawStatus{}, n.err()
}

func (n *nativeBackend) UnlockWithPassword(string, string) (types.UnlockResult, error) {
	return types.UnlockResult{}, n.err()
}

func (n *nativeBackend) UnlockWithRecoveryKey(string, string) (types.UnlockResult, error) {
	return types.UnlockResult{}, n.err()
}

func (n *nativeBackend) Decrypt(string) error {
	return n.err()
}
