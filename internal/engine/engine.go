// Package engine wires the component packages into a ready Orchestrator
// and drives it for the CLI: construction, event consumption and the
// interactive credential prompt live here, pipeline logic stays in
// pkg/orchestrator.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/erikgeiser/promptkit/textinput"
	"github.com/sanity-io/litter"

	"github.com/letrecovery/deployengine/pkg/advopts"
	"github.com/letrecovery/deployengine/pkg/bitlocker"
	"github.com/letrecovery/deployengine/pkg/bootmgr"
	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/diskmodel"
	"github.com/letrecovery/deployengine/pkg/imageengine"
	"github.com/letrecovery/deployengine/pkg/offlinereg"
	"github.com/letrecovery/deployengine/pkg/orchestrator"
	"github.com/letrecovery/deployengine/pkg/types"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// Build assembles the production Orchestrator with every provider wired.
func Build(cfg *config.Config) *orchestrator.Orchestrator {
	model := diskmodel.NewModel(cfg, diskmodel.NewEnumerator(diskmodel.WMIDriveLetterResolver{}), diskmodel.WinVolumeStats{})
	blSvc := bitlocker.NewService(cfg)

	images := imageengine.New(cfg)
	images.LockedCheck = func(letter string) (bool, error) {
		st, err := blSvc.Status(letter)
		return st == types.EncryptedLocked, err
	}
	images.GhostResolve = func(letter string) (int, int, error) {
		p, err := model.FindPartition(letter)
		if err != nil {
			return 0, 0, err
		}
		return p.DiskNumber, p.PartitionNumber, nil
	}

	boot := bootmgr.New(cfg)
	boot.Model = model

	applier := advopts.New(cfg, offlinereg.New(cfg))

	o := orchestrator.New(cfg)
	o.Disks = model
	o.BitLocker = blSvc
	o.Images = images
	o.Boot = boot
	o.Applier = applier
	o.InPE = RunningInPE()
	o.Credentials = PromptCredentials
	o.Format = func(letter, fsName, label string) error {
		return diskmodel.Format(cfg, letter, fsName, label)
	}
	o.FindData = func(excludeLetter string, requiredBytes uint64) (string, bool, error) {
		return diskmodel.FindDataPartition(cfg, model, excludeLetter, requiredBytes)
	}
	o.Reboot = func() error { return Reboot(cfg) }
	o.ReclaimPartition = func(letter, extendLetter string) error {
		return diskmodel.DeleteAutoCreated(cfg, letter, extendLetter)
	}
	if exe, err := os.Executable(); err == nil {
		o.UefiSevenSource = filepath.Join(filepath.Dir(exe), constants.UefiSevenDirName)
	}

	cfg.Logger.Debugf("engine wired: %s", litter.Sdump(struct {
		InPE     bool
		DataRoot string
	}{o.InPE, cfg.DataRoot}))
	return o
}

// PromptCredentials asks the operator for a BitLocker secret. An empty
// submission abandons the unlock.
func PromptCredentials(letter string) (password, recoveryKey string, ok bool) {
	input := textinput.New(fmt.Sprintf("Password or 48-digit recovery key for %s (empty to cancel):", letter))
	input.Hidden = true
	value, err := input.RunPrompt()
	if err != nil || strings.TrimSpace(value) == "" {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if isRecoveryKey(value) {
		return "", value, true
	}
	return value, "", true
}

func isRecoveryKey(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-' || r == ' ':
		default:
			return false
		}
	}
	return digits == 48
}

// Reboot restarts the machine; in PE wpeutil performs a cleaner teardown
// than shutdown.exe.
func Reboot(cfg *config.Config) error {
	if RunningInPE() {
		res, err := cfg.Runner.Run("wpeutil.exe", "reboot")
		if err == nil && res.ExitCode == 0 {
			return nil
		}
	}
	res, err := cfg.Runner.Run("shutdown.exe", "/r", "/t", "0")
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindEnvironment, "requesting reboot", err)
	}
	return nil
}

// FixedDriveLetters lists the mounted roots the PE phase scans for staged
// configuration and markers.
func FixedDriveLetters(cfg *config.Config) []string {
	var letters []string
	for c := byte('C'); c <= 'Z'; c++ {
		letter := string(c) + ":"
		if ok, _ := fsutils.Exists(cfg.Fs, letter+`\`); ok {
			letters = append(letters, letter)
		}
	}
	return letters
}
