package orchestrator

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/staging"
	"github.com/letrecovery/deployengine/pkg/types"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// DeployState is the audit trail left on the installed target: what was
// applied and with which toggles, for support diagnostics.
type DeployState struct {
	RunID         string                `json:"run_id"`
	Date          string                `json:"date"`
	ImageFileName string                `json:"image_file_name"`
	VolumeIndex   int                   `json:"volume_index"`
	Mode          string                `json:"mode"`
	Options       types.AdvancedOptions `json:"options"`
}

// WriteDeployState drops the manifest at the target root. Soft: a missing
// manifest never fails a finished install.
func (o *Orchestrator) WriteDeployState(ic *types.InstallConfig, mode Mode) {
	id, err := uuid.NewV4()
	if err != nil {
		o.cfg.Logger.Warnf("deploy state id: %s", err)
		return
	}
	state := DeployState{
		RunID:         id.String(),
		Date:          time.Now().Format(time.RFC3339),
		ImageFileName: ic.ImageFileName,
		VolumeIndex:   ic.VolumeIndex,
		Mode:          mode.String(),
		Options:       ic.Options,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		o.cfg.Logger.Warnf("deploy state serialize: %s", err)
		return
	}
	path := filepath.Join(fsutils.LetterRoot(ic.TargetPartition), constants.DeployStateFile)
	if err := staging.WriteFileAtomic(o.cfg.Fs, path, data); err != nil {
		o.cfg.Logger.Warnf("deploy state write: %s", err)
	}
}
