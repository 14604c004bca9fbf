package staging

import (
	"sort"

	"github.com/letrecovery/deployengine/pkg/config"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// FindInstallConfig scans candidate data-partition roots for a staged
// install.json and returns the letter holding it. When several candidates
// carry one (a previous run crashed before cleanup, or two toolkit sticks
// are plugged in) the lowest letter wins, so both sides of the reboot
// resolve the same partition.
func FindInstallConfig(cfg *config.Config, letters []string) (string, error) {
	return findStaged(cfg, letters, InstallConfigPath)
}

// FindBackupConfig is the capture-direction twin of FindInstallConfig.
func FindBackupConfig(cfg *config.Config, letters []string) (string, error) {
	return findStaged(cfg, letters, BackupConfigPath)
}

func findStaged(cfg *config.Config, letters []string, pathOf func(string) string) (string, error) {
	var hits []string
	for _, letter := range letters {
		if ok, _ := fsutils.Exists(cfg.Fs, pathOf(letter)); ok {
			hits = append(hits, letter)
		}
	}
	if len(hits) == 0 {
		return "", types.NewEngineError(types.KindEnvironment, "no staged configuration found", nil)
	}
	sort.Strings(hits)
	if len(hits) > 1 {
		cfg.Logger.Warnf("staged configuration on %v; using %s", hits, hits[0])
	}
	return hits[0], nil
}

// FindTargetByMarker scans candidate letters for the install marker the
// host phase dropped on the target partition, resolving the target even
// though PE assigned different letters. Lowest letter wins on the
// (pathological) multi-marker case, same tiebreak as the config scan.
func FindTargetByMarker(cfg *config.Config, letters []string, backup bool) (string, error) {
	pathOf := InstallMarkerPath
	if backup {
		pathOf = BackupMarkerPath
	}
	var hits []string
	for _, letter := range letters {
		if ok, _ := fsutils.Exists(cfg.Fs, pathOf(letter)); ok {
			hits = append(hits, letter)
		}
	}
	if len(hits) == 0 {
		return "", types.NewEngineError(types.KindEnvironment, "no target marker found", nil)
	}
	sort.Strings(hits)
	if len(hits) > 1 {
		cfg.Logger.Warnf("target marker on %v; using %s", hits, hits[0])
	}
	return hits[0], nil
}
