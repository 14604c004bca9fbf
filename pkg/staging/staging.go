// Package staging persists the cross-reboot handoff: install/backup
// configuration, target markers and the staged image payload all live on a
// data partition where the PE phase can find them after drive letters
// shift. Writes are atomic (tmp + rename) because a crash mid-write must
// not leave a half-parsed config for the next boot to trip over.
package staging

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// DataDir returns <data-root>\LetRecovery for a data partition letter.
func DataDir(dataLetter string) string {
	return filepath.Join(fsutils.LetterRoot(dataLetter), constants.DataDirName)
}

// InstallConfigPath returns the staged install.json location.
func InstallConfigPath(dataLetter string) string {
	return filepath.Join(DataDir(dataLetter), constants.InstallConfig)
}

// BackupConfigPath returns the staged backup.json location.
func BackupConfigPath(dataLetter string) string {
	return filepath.Join(DataDir(dataLetter), constants.BackupConfigFile)
}

// InstallMarkerPath returns the zero-byte marker dropped on the target
// partition so the PE agent can recognize it when letters shift.
func InstallMarkerPath(targetLetter string) string {
	return filepath.Join(fsutils.LetterRoot(targetLetter), constants.InstallMarker)
}

// BackupMarkerPath is the capture-direction marker.
func BackupMarkerPath(targetLetter string) string {
	return filepath.Join(fsutils.LetterRoot(targetLetter), constants.BackupMarker)
}

// WriteInstallConfig stages cfg's install configuration on dataLetter and
// drops the marker on the target partition.
func WriteInstallConfig(cfg *config.Config, dataLetter string, ic *types.InstallConfig) error {
	if err := fsutils.MkdirAll(cfg.Fs, DataDir(dataLetter), fsutils.DirPerm); err != nil {
		return types.NewEngineError(types.KindIo, "creating staging directory", err)
	}
	data, err := json.MarshalIndent(ic, "", "  ")
	if err != nil {
		return types.NewEngineError(types.KindInternal, "serializing install config", err)
	}
	if err := WriteFileAtomic(cfg.Fs, InstallConfigPath(dataLetter), data); err != nil {
		return err
	}
	if err := cfg.Fs.WriteFile(InstallMarkerPath(ic.TargetPartition), nil, fsutils.FilePerm); err != nil {
		return types.NewEngineError(types.KindIo, "writing target marker", err)
	}
	return nil
}

// ReadInstallConfig loads the staged install configuration from dataLetter.
func ReadInstallConfig(cfg *config.Config, dataLetter string) (*types.InstallConfig, error) {
	data, err := cfg.Fs.ReadFile(InstallConfigPath(dataLetter))
	if err != nil {
		return nil, types.NewEngineError(types.KindIo, "reading staged install config", err)
	}
	var ic types.InstallConfig
	if err := json.Unmarshal(data, &ic); err != nil {
		return nil, types.NewEngineError(types.KindInternal, "parsing staged install config", err)
	}
	return &ic, nil
}

// WriteBackupConfig stages a capture configuration and its source marker.
func WriteBackupConfig(cfg *config.Config, dataLetter string, bc *types.BackupConfig) error {
	if err := fsutils.MkdirAll(cfg.Fs, DataDir(dataLetter), fsutils.DirPerm); err != nil {
		return types.NewEngineError(types.KindIo, "creating staging directory", err)
	}
	data, err := json.MarshalIndent(bc, "", "  ")
	if err != nil {
		return types.NewEngineError(types.KindInternal, "serializing backup config", err)
	}
	if err := WriteFileAtomic(cfg.Fs, BackupConfigPath(dataLetter), data); err != nil {
		return err
	}
	if err := cfg.Fs.WriteFile(BackupMarkerPath(bc.SourcePartition), nil, fsutils.FilePerm); err != nil {
		return types.NewEngineError(types.KindIo, "writing source marker", err)
	}
	return nil
}

// ReadBackupConfig loads the staged capture configuration.
func ReadBackupConfig(cfg *config.Config, dataLetter string) (*types.BackupConfig, error) {
	data, err := cfg.Fs.ReadFile(BackupConfigPath(dataLetter))
	if err != nil {
		return nil, types.NewEngineError(types.KindIo, "reading staged backup config", err)
	}
	var bc types.BackupConfig
	if err := json.Unmarshal(data, &bc); err != nil {
		return nil, types.NewEngineError(types.KindInternal, "parsing staged backup config", err)
	}
	return &bc, nil
}

// Cleanup removes every staged artifact after a successful run: config,
// markers, the copied image, drivers and shim payloads. Individual
// failures are logged, not fatal; a leftover file only costs disk space,
// while failing the pipeline at this point would discard a finished
// install.
func Cleanup(cfg *config.Config, dataLetter, targetLetter, imageFileName string) {
	fs := cfg.Fs
	paths := []string{
		InstallConfigPath(dataLetter),
		BackupConfigPath(dataLetter),
		InstallMarkerPath(targetLetter),
		BackupMarkerPath(targetLetter),
	}
	if imageFileName != "" {
		paths = append(paths, filepath.Join(DataDir(dataLetter), imageFileName))
	}
	for _, p := range paths {
		if ok, _ := fsutils.Exists(fs, p); !ok {
			continue
		}
		if err := fs.Remove(p); err != nil {
			cfg.Logger.Warnf("cleanup: could not remove %s: %s", p, err)
		}
	}
	for _, dir := range []string{
		filepath.Join(DataDir(dataLetter), constants.DriversDirName),
		filepath.Join(DataDir(dataLetter), constants.UefiSevenDirName),
	} {
		if ok, _ := fsutils.Exists(fs, dir); !ok {
			continue
		}
		if err := fs.RemoveAll(dir); err != nil {
			cfg.Logger.Warnf("cleanup: could not remove %s: %s", dir, err)
		}
	}
	if empty, _ := dirIsEmpty(cfg, DataDir(dataLetter)); empty {
		_ = fs.RemoveAll(DataDir(dataLetter))
	}
}

func dirIsEmpty(cfg *config.Config, dir string) (bool, error) {
	entries, err := cfg.Fs.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// StageUefiSevenPayload copies the shim loader and its ini from sourceDir
// into <data>\LetRecovery\uefiseven so the PE phase can install them on
// the ESP after boot repair.
func StageUefiSevenPayload(cfg *config.Config, dataLetter, sourceDir string) error {
	destDir := filepath.Join(DataDir(dataLetter), constants.UefiSevenDirName)
	if err := fsutils.MkdirAll(cfg.Fs, destDir, fsutils.DirPerm); err != nil {
		return types.NewEngineError(types.KindIo, "creating uefiseven staging dir", err)
	}
	loader := filepath.Join(sourceDir, constants.UefiSevenLoader)
	if ok, _ := fsutils.Exists(cfg.Fs, loader); !ok {
		return types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("UefiSeven loader missing at %s", loader), nil)
	}
	if err := fsutils.Copy(cfg.Fs, loader, filepath.Join(destDir, constants.UefiSevenLoader)); err != nil {
		return types.NewEngineError(types.KindIo, "staging UefiSeven loader", err)
	}
	ini := filepath.Join(sourceDir, constants.UefiSevenIni)
	if ok, _ := fsutils.Exists(cfg.Fs, ini); ok {
		if err := fsutils.Copy(cfg.Fs, ini, filepath.Join(destDir, constants.UefiSevenIni)); err != nil {
			return types.NewEngineError(types.KindIo, "staging UefiSeven ini", err)
		}
	}
	return nil
}

// StagedImagePath is where the host phase copies the source image.
func StagedImagePath(dataLetter, imageFileName string) string {
	return filepath.Join(DataDir(dataLetter), imageFileName)
}

// ValidateRoundTrip is a guard used by the host phase right after staging:
// the config must read back equal to what was written, otherwise the
// reboot is aborted before the system becomes unbootable-by-surprise.
func ValidateRoundTrip(cfg *config.Config, dataLetter string, want *types.InstallConfig) error {
	got, err := ReadInstallConfig(cfg, dataLetter)
	if err != nil {
		return err
	}
	if *got != *want {
		return types.NewEngineError(types.KindInternal,
			fmt.Sprintf("staged config did not round-trip: wrote %+v, read %+v", want, got), nil)
	}
	return nil
}
