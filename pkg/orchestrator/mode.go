package orchestrator

import "github.com/letrecovery/deployengine/pkg/types"

// Mode selects where the image apply happens.
type Mode int

const (
	// ModeDirect applies in the running OS.
	ModeDirect Mode = iota
	// ModeViaPE stages everything and reboots into PE first.
	ModeViaPE
)

func (m Mode) String() string {
	if m == ModeViaPE {
		return "ViaPE"
	}
	return "Direct"
}

// DecideMode implements the mode decision: inside PE everything is
// direct; on a full host, installing over the running system forces the
// PE detour, anything else installs in place.
func DecideMode(inPE bool, target *types.Partition) Mode {
	if inPE {
		return ModeDirect
	}
	if target.IsSystem {
		return ModeViaPE
	}
	return ModeDirect
}
