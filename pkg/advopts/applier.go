// Package advopts applies the optimization toggles and driver injection
// against an offline target. Registry transforms run with the
// target's hives loaded under synthetic roots; the hives are unloaded
// before any driver-injection tool spawns (those take exclusive locks on
// the hive files) and can be explicitly reloaded when more registry work
// remains. Every transform is idempotent: applying the same toggle set
// twice yields identical hive values.
package advopts

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// RegistryOps is the slice of the offline registry the applier needs;
// offlinereg.Registry satisfies it, tests use a map-backed fake.
type RegistryOps interface {
	Load(name, hivePath string) error
	Unload(name string) error
	UnloadAll() error
	CreateKey(path string) error
	SetDWORD(path, name string, value uint32) error
	SetString(path, name, value string) error
	SetExpandString(path, name, value string) error
	ImportRegFile(file string) error
}

// Applier runs the catalogue against one offline target.
type Applier struct {
	cfg *config.Config
	reg RegistryOps

	hivesLoaded bool
	targetRoot  string
}

func New(cfg *config.Config, reg RegistryOps) *Applier {
	return &Applier{cfg: cfg, reg: reg}
}

// hiveSet returns the synthetic-name -> file mapping for a target root.
func hiveSet(targetRoot string) map[string]string {
	root := fsutils.LetterRoot(targetRoot)
	return map[string]string{
		constants.SynthSoftwareRoot: filepath.Join(root, "Windows", "System32", "config", "SOFTWARE"),
		constants.SynthSystemRoot:   filepath.Join(root, "Windows", "System32", "config", "SYSTEM"),
		constants.SynthDefaultRoot:  filepath.Join(root, "Users", "Default", "NTUSER.DAT"),
	}
}

// LoadHives mounts the target's SOFTWARE/SYSTEM/Default hives. The Default
// hive is optional (a bare image may lack the profile); the other two are
// required.
func (a *Applier) LoadHives(targetRoot string) error {
	a.targetRoot = targetRoot
	for name, path := range hiveSet(targetRoot) {
		if err := a.reg.Load(name, path); err != nil {
			if name == constants.SynthDefaultRoot {
				a.cfg.Logger.Warnf("default-user hive not loaded: %s", err)
				continue
			}
			_ = a.reg.UnloadAll()
			return err
		}
	}
	a.hivesLoaded = true
	return nil
}

// UnloadHives releases every hive. Required before spawning the driver
// injection tool and before exiting the phase.
func (a *Applier) UnloadHives() error {
	a.hivesLoaded = false
	return a.reg.UnloadAll()
}

// ReloadHives is the explicit counterpart to an early unload, for callers
// that still have registry transforms to run after driver injection.
func (a *Applier) ReloadHives() error {
	if a.targetRoot == "" {
		return types.NewEngineError(types.KindInternal, "reload before any load", nil)
	}
	return a.LoadHives(a.targetRoot)
}

// ApplyRegistryToggles runs every enabled catalogue transform. Individual
// failures are soft: they accumulate and report, but one broken tweak must
// not abandon the rest.
func (a *Applier) ApplyRegistryToggles(opts *types.AdvancedOptions) error {
	if !a.hivesLoaded {
		return types.NewEngineError(types.KindInternal, "registry toggles require loaded hives", nil)
	}

	enabled := enabledToggles(opts)
	var soft *multierror.Error
	for _, t := range Catalogue() {
		if !enabled[t.Toggle] {
			continue
		}
		for _, op := range t.Ops {
			if err := a.applyOp(op); err != nil {
				a.cfg.Logger.Warnf("toggle %s: %s", t.Toggle, err)
				soft = multierror.Append(soft, err)
			}
		}
	}

	if opts.ImportRegistryFile && opts.ImportRegistryFilePath != "" {
		if err := a.reg.ImportRegFile(opts.ImportRegistryFilePath); err != nil {
			a.cfg.Logger.Warnf("importing %s: %s", opts.ImportRegistryFilePath, err)
			soft = multierror.Append(soft, err)
		}
	}
	return soft.ErrorOrNil()
}

func (a *Applier) applyOp(op RegOp) error {
	key := resolveKey(op.Key)
	if err := a.reg.CreateKey(key); err != nil {
		return err
	}
	switch op.Type {
	case "dword":
		return a.reg.SetDWORD(key, op.Value, op.DWord)
	case "sz":
		return a.reg.SetString(key, op.Value, op.Data)
	case "expand_sz":
		return a.reg.SetExpandString(key, op.Value, op.Data)
	default:
		return types.NewEngineError(types.KindInternal,
			fmt.Sprintf("catalogue op with unknown type %q", op.Type), nil)
	}
}

// removeUWPScript stages the first-logon UWP removal. Provisioned packages
// go first so removed apps do not come back for new accounts.
const removeUWPScript = `$keep = @('Microsoft.WindowsStore', 'Microsoft.WindowsCalculator', 'Microsoft.Windows.Photos')
Get-AppxProvisionedPackage -Online | Where-Object { $keep -notcontains $_.DisplayName } | Remove-AppxProvisionedPackage -Online -ErrorAction SilentlyContinue
Get-AppxPackage -AllUsers | Where-Object { $keep -notcontains $_.Name } | Remove-AppxPackage -AllUsers -ErrorAction SilentlyContinue
`

// StageFiles writes the first-logon assets into the scripts directory on
// the target: the UWP removal script, the username and volume-label
// markers, and the operator's own scripts. All soft.
func (a *Applier) StageFiles(targetRoot string, opts *types.AdvancedOptions, win10 bool) error {
	fs := a.cfg.Fs
	scriptsDir := filepath.Join(fsutils.LetterRoot(targetRoot), constants.ScriptsDirName)
	var soft *multierror.Error

	write := func(name string, data []byte) {
		if err := fsutils.MkdirAll(fs, scriptsDir, fsutils.DirPerm); err != nil {
			soft = multierror.Append(soft, err)
			return
		}
		if err := fs.WriteFile(filepath.Join(scriptsDir, name), data, fsutils.FilePerm); err != nil {
			soft = multierror.Append(soft, err)
		}
	}

	if opts.RemoveUWPApps && win10 {
		write(constants.RemoveUWPScript, []byte(removeUWPScript))
	}
	if opts.CustomUsername != "" {
		write(constants.UsernameFile, []byte(opts.CustomUsername))
	}
	if opts.CustomVolumeLabel != "" {
		write(constants.VolumeLabelFile, []byte(opts.CustomVolumeLabel))
		if err := a.setVolumeLabel(targetRoot, opts.CustomVolumeLabel); err != nil {
			a.cfg.Logger.Warnf("setting volume label: %s", err)
			soft = multierror.Append(soft, err)
		}
	}
	if opts.RunScriptFirstLogin && opts.RunScriptFirstLoginPath != "" {
		if data, err := fs.ReadFile(opts.RunScriptFirstLoginPath); err == nil {
			write(constants.FirstLogonBat, data)
		} else {
			soft = multierror.Append(soft, err)
		}
	}
	if opts.ImportCustomFiles && opts.ImportCustomFilesPath != "" {
		if err := fsutils.CopyDir(fs, opts.ImportCustomFilesPath, fsutils.LetterRoot(targetRoot)); err != nil {
			soft = multierror.Append(soft, err)
		}
	}
	return soft.ErrorOrNil()
}

func (a *Applier) setVolumeLabel(targetRoot, label string) error {
	letter := strings.TrimSuffix(targetRoot, `\`)
	if !strings.HasSuffix(letter, ":") {
		// not a mounted letter (tests); the marker file alone is enough
		return nil
	}
	res, err := a.cfg.Runner.Run("cmd.exe", "/c", "label", letter, label)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindIo, "label command failed", err)
	}
	return nil
}

// RunDeployScript executes the operator's during-deploy script with the
// target root as its argument. Soft by policy.
func (a *Applier) RunDeployScript(targetRoot string, opts *types.AdvancedOptions) error {
	if !opts.RunScriptDuringDeploy || opts.RunScriptDuringDeployPath == "" {
		return nil
	}
	res, err := a.cfg.Runner.Run("cmd.exe", "/c", opts.RunScriptDuringDeployPath, fsutils.LetterRoot(targetRoot))
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("deploy script %s failed", opts.RunScriptDuringDeployPath), err)
	}
	return nil
}
