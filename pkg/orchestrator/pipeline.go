package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/letrecovery/deployengine/pkg/cleanstack"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/staging"
	"github.com/letrecovery/deployengine/pkg/types"
	"github.com/letrecovery/deployengine/pkg/unattend"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// RunInstall is the front door: pre-flight, mode decision, then the
// matching pipeline. imageDir is where ic.ImageFileName currently lives
// (the source directory on the host, the staging dir in PE).
func (o *Orchestrator) RunInstall(ic *types.InstallConfig, imageDir, dataLetter string) error {
	mode, err := o.Preflight(ic)
	if err != nil {
		return o.fail(err)
	}
	if mode == ModeViaPE {
		if dataLetter == "" {
			dataLetter, err = o.pickDataPartition(ic, imageDir)
			if err != nil {
				return o.fail(err)
			}
		}
		return o.runViaPEStaging(ic, imageDir, dataLetter)
	}
	return o.runDirectInstall(ic, imageDir)
}

// pickDataPartition sizes the staged payload and asks FindData for a home
// for it, recording an auto-created partition so the PE phase can reclaim
// it after success.
func (o *Orchestrator) pickDataPartition(ic *types.InstallConfig, imageDir string) (string, error) {
	if o.FindData == nil {
		return "", types.NewEngineError(types.KindInternal,
			"no data root configured and no data-partition finder wired", nil)
	}
	var required uint64 = 512 * 1024 * 1024 // PE image, drivers, slack
	if info, err := o.cfg.Fs.Stat(filepath.Join(imageDir, ic.ImageFileName)); err == nil {
		required += uint64(info.Size())
	}
	letter, autoCreated, err := o.FindData(ic.TargetPartition, required)
	if err != nil {
		return "", err
	}
	if autoCreated {
		ic.AutoCreatedDataPartition = letter
	}
	o.status(fmt.Sprintf("staging through data partition %s", letter))
	return letter, nil
}

func (o *Orchestrator) checkCancelled() error {
	if o.cancelled() {
		return types.NewEngineError(types.KindCancelled, "cancelled", nil)
	}
	return nil
}

// runDirectInstall is the seven-step in-place pipeline. Fatal steps stop
// the run; soft steps log, emit a Status and continue.
func (o *Orchestrator) runDirectInstall(ic *types.InstallConfig, imageDir string) error {
	steps := DirectSteps
	imagePath := filepath.Join(imageDir, ic.ImageFileName)
	driverDir := filepath.Join(fsutils.LetterRoot(ic.TargetPartition), constants.SaveDriversDirName)

	o.RunHook(HookPreInstall)

	// 1: format (optional, fatal)
	o.enterStep(steps[0])
	if ic.Format {
		if err := o.Format(ic.TargetPartition, "ntfs", ic.Options.CustomVolumeLabel); err != nil {
			return o.fail(err)
		}
	}
	o.stepDone()
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	// 2: export drivers (soft)
	o.enterStep(steps[1])
	if ic.DriverAction != types.DriverActionNone {
		if err := o.Applier.ExportHostDrivers(driverDir); err != nil {
			o.status(fmt.Sprintf("driver export failed, continuing: %s", err))
		}
	}
	o.stepDone()
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	// 3: apply image (fatal)
	o.enterStep(steps[2])
	if err := o.Images.Apply(imagePath, ic.VolumeIndex, ic.TargetPartition, func(p int) {
		o.publish(types.StepProgress(p))
	}); err != nil {
		return o.fail(err)
	}
	o.stepDone()
	o.RunHook(HookAfterImageApply)
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	// 4: import or keep drivers (soft)
	o.enterStep(steps[3])
	switch ic.DriverAction {
	case types.DriverActionAutoImport:
		if err := o.Applier.InjectDrivers(ic.TargetPartition, driverDir); err != nil {
			o.status(fmt.Sprintf("driver import failed, continuing: %s", err))
		} else if err := o.cfg.Fs.RemoveAll(driverDir); err != nil {
			o.cfg.Logger.Warnf("removing imported driver dir: %s", err)
		}
	case types.DriverActionSaveOnly:
		o.status(fmt.Sprintf("drivers saved to %s", driverDir))
	}
	o.stepDone()

	// 5: repair boot (fatal)
	o.enterStep(steps[4])
	if err := o.repairBootStep(ic); err != nil {
		return o.fail(err)
	}
	o.stepDone()

	// 6: advanced options + unattend (soft)
	o.enterStep(steps[5])
	if err := o.applyOptionsStep(ic); err != nil {
		o.status(fmt.Sprintf("advanced options incomplete: %s", err))
	}
	o.stepDone()
	o.RunHook(HookAfterOfflineRegistry)

	// 7: finalize
	o.enterStep(steps[6])
	o.WriteDeployState(ic, ModeDirect)
	o.RunHook(HookPostInstall)
	o.stepDone()
	o.publish(types.Completed())
	return nil
}

// repairBootStep repairs the boot store and, for Win7 UEFI targets with
// the toggle on, chains the UefiSeven shim behind it.
func (o *Orchestrator) repairBootStep(ic *types.InstallConfig) error {
	useUEFI := o.useUEFI(ic)
	if err := o.Boot.RepairBoot(ic.TargetPartition, useUEFI); err != nil {
		return err
	}
	if !useUEFI || !ic.Options.Win7UefiPatch {
		return nil
	}

	info, err := unattend.DetectTarget(o.cfg, ic.TargetPartition)
	if err != nil || info.Family != constants.WinFamily7 {
		return nil
	}
	espLetter, alreadyMounted, err := o.Boot.FindAndMountESP()
	if err != nil {
		return err
	}
	shimDir := filepath.Join(staging.DataDir(o.cfg.DataRoot), constants.UefiSevenDirName)
	if err := o.Boot.ApplyUefiSeven(espLetter, shimDir, false); err != nil {
		return err
	}
	_ = alreadyMounted // a pre-mounted ESP keeps its letter
	return nil
}

func (o *Orchestrator) useUEFI(ic *types.InstallConfig) bool {
	switch strings.ToLower(ic.BootMode) {
	case "uefi":
		return true
	case "bios":
		return false
	default:
		return o.firmwareIsUEFI()
	}
}

// applyOptionsStep runs the offline surgery: registry toggles and staged
// files under loaded hives, driver-cab work with hives unloaded, the
// unattend last. The hives are always released on exit.
func (o *Orchestrator) applyOptionsStep(ic *types.InstallConfig) (err error) {
	target := ic.TargetPartition
	opts := &ic.Options

	info, derr := unattend.DetectTarget(o.cfg, target)
	if derr != nil {
		return derr
	}
	win10 := info.Family == constants.WinFamily10

	if err = o.Applier.LoadHives(target); err != nil {
		return err
	}
	defer func() {
		if uerr := o.Applier.UnloadHives(); uerr != nil {
			o.cfg.Logger.Warnf("hives did not unload cleanly: %s", uerr)
		}
	}()

	if terr := o.Applier.ApplyRegistryToggles(opts); terr != nil {
		o.status(fmt.Sprintf("some registry toggles failed: %s", terr))
	}
	if serr := o.Applier.StageFiles(target, opts, win10); serr != nil {
		o.status(fmt.Sprintf("some staged files failed: %s", serr))
	}
	if rerr := o.Applier.RunDeployScript(target, opts); rerr != nil {
		o.status(fmt.Sprintf("deploy script failed: %s", rerr))
	}

	// Driver-injection tools need exclusive hive access.
	if o.needsDriverWork(opts) {
		if err = o.Applier.UnloadHives(); err != nil {
			return err
		}
		o.runDriverWork(target, opts)
		if err = o.Applier.ReloadHives(); err != nil {
			return err
		}
		if (opts.Win7InjectNVMeDriver || opts.Win7FixStorageBsod) && info.Family == constants.WinFamily7 {
			if nerr := o.Applier.RegisterNVMeFallback(); nerr != nil {
				o.status(fmt.Sprintf("NVMe service fallback failed: %s", nerr))
			}
		}
	}

	xml, gerr := unattend.Generate(info, unattend.Options{
		Username:            opts.CustomUsername,
		RemoveUWP:           opts.RemoveUWPApps,
		HasFirstLogonScript: opts.RunScriptFirstLogin && opts.RunScriptFirstLoginPath != "",
	})
	if gerr != nil {
		return gerr
	}
	if werr := unattend.Write(o.cfg, target, xml); werr != nil {
		o.status(fmt.Sprintf("unattend write failed: %s", werr))
	}
	return nil
}

func (o *Orchestrator) needsDriverWork(opts *types.AdvancedOptions) bool {
	return (opts.ImportCustomDrivers && opts.ImportCustomDriversPath != "") ||
		opts.ImportStorageCtrlDrivers ||
		opts.Win7InjectUSB3Driver || opts.Win7InjectNVMeDriver
}

func (o *Orchestrator) runDriverWork(target string, opts *types.AdvancedOptions) {
	dirs := map[string]string{}
	if opts.ImportCustomDrivers && opts.ImportCustomDriversPath != "" {
		dirs["custom drivers"] = opts.ImportCustomDriversPath
	}
	driversRoot := filepath.Join(staging.DataDir(o.cfg.DataRoot), constants.DriversDirName)
	if opts.ImportStorageCtrlDrivers {
		dirs["storage controller drivers"] = filepath.Join(driversRoot, "storage")
	}
	if opts.Win7InjectUSB3Driver {
		dirs["usb3 drivers"] = filepath.Join(driversRoot, "usb3")
	}
	if opts.Win7InjectNVMeDriver {
		dirs["nvme drivers"] = filepath.Join(driversRoot, "nvme")
	}
	for label, dir := range dirs {
		if ok, _ := fsutils.Exists(o.cfg.Fs, dir); !ok {
			o.cfg.Logger.Warnf("%s directory %s missing, skipped", label, dir)
			continue
		}
		if err := o.Applier.InjectDrivers(target, dir); err != nil {
			o.status(fmt.Sprintf("%s injection failed: %s", label, err))
		}
	}
}

// runViaPEStaging prepares everything the PE phase needs and stops at the
// reboot boundary. A failure after the first staged byte unwinds whatever
// was written so a half-staged reboot can never happen.
func (o *Orchestrator) runViaPEStaging(ic *types.InstallConfig, imageDir, dataLetter string) (err error) {
	steps := ViaPESteps
	cleanup := cleanstack.New()
	defer func() {
		if err != nil {
			if cerr := cleanup.Cleanup(nil); cerr != nil {
				o.cfg.Logger.Warnf("staging rollback incomplete: %s", cerr)
			}
		}
	}()

	// 1: verify the PE payload is on disk (fatal; the download manager
	// outside this engine is responsible for fetching it)
	o.enterStep(steps[0])
	peWim := filepath.Join(staging.DataDir(dataLetter), "winpe.wim")
	if ok, _ := fsutils.Exists(o.cfg.Fs, peWim); !ok {
		return o.fail(types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("PE image missing at %s; download it first", peWim), nil))
	}
	o.stepDone()

	// 2: one-shot boot entry (fatal)
	o.enterStep(steps[1])
	guid, berr := o.Boot.InstallPEBootEntry(`\`+constants.DataDirName+`\winpe.wim`, dataLetter)
	if berr != nil {
		return o.fail(berr)
	}
	cleanup.Push(func() error { return o.Boot.DeletePEBootEntry(guid) })
	o.stepDone()
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	// 3: export drivers (soft)
	o.enterStep(steps[2])
	if ic.DriverAction != types.DriverActionNone {
		exportDir := filepath.Join(staging.DataDir(dataLetter), constants.DriversDirName, "host")
		if err := o.Applier.ExportHostDrivers(exportDir); err != nil {
			o.status(fmt.Sprintf("driver export failed, continuing: %s", err))
		}
	}
	o.stepDone()

	// 4: copy the source image into the staging dir (fatal)
	o.enterStep(steps[3])
	src := filepath.Join(imageDir, ic.ImageFileName)
	dst := staging.StagedImagePath(dataLetter, ic.ImageFileName)
	if src != dst {
		if cerr := staging.CopyFileChunked(o.cfg, src, dst, func(p int) {
			o.publish(types.StepProgress(p))
		}, o.cancel); cerr != nil {
			return o.fail(cerr)
		}
		cleanup.Push(func() error { return o.cfg.Fs.Remove(dst) })
	}
	o.stepDone()

	// 5: write config + marker (+ shim payload for Win7 UEFI) (fatal)
	o.enterStep(steps[4])
	if werr := staging.WriteInstallConfig(o.cfg, dataLetter, ic); werr != nil {
		return o.fail(werr)
	}
	cleanup.Push(func() error {
		o.cfg.Fs.Remove(staging.InstallConfigPath(dataLetter))         //nolint:errcheck
		o.cfg.Fs.Remove(staging.InstallMarkerPath(ic.TargetPartition)) //nolint:errcheck
		return nil
	})
	if verr := staging.ValidateRoundTrip(o.cfg, dataLetter, ic); verr != nil {
		return o.fail(verr)
	}
	if ic.Options.Win7UefiPatch && o.UefiSevenSource != "" {
		if serr := staging.StageUefiSevenPayload(o.cfg, dataLetter, o.UefiSevenSource); serr != nil {
			o.status(fmt.Sprintf("UefiSeven payload not staged: %s", serr))
		}
	}
	o.stepDone()

	// 6: ready for reboot
	o.enterStep(steps[5])
	o.stepDone()
	o.publish(types.Completed())
	if ic.AutoReboot && o.Reboot != nil {
		return o.Reboot()
	}
	return nil
}

// RunPEPhase is what the agent executes after the reboot: locate the
// staged config, run the install against the marked target, clean up, and
// reboot into the installed system.
func (o *Orchestrator) RunPEPhase(letters []string) error {
	dataLetter, err := staging.FindInstallConfig(o.cfg, letters)
	if err != nil {
		return o.fail(err)
	}
	ic, err := staging.ReadInstallConfig(o.cfg, dataLetter)
	if err != nil {
		return o.fail(err)
	}
	target, err := staging.FindTargetByMarker(o.cfg, letters, false)
	if err != nil {
		return o.fail(err)
	}
	ic.TargetPartition = target

	if err := o.runDirectInstall(ic, staging.DataDir(dataLetter)); err != nil {
		// Markers stay behind so the next PE boot can resume or surface
		// the failure.
		return err
	}

	staging.Cleanup(o.cfg, dataLetter, target, ic.ImageFileName)
	if ic.AutoCreatedDataPartition != "" {
		if err := o.reclaimDataPartition(ic.AutoCreatedDataPartition, target); err != nil {
			o.cfg.Logger.Warnf("could not reclaim staging partition: %s", err)
		}
	}
	if o.Reboot != nil {
		return o.Reboot()
	}
	return nil
}

// reclaimDataPartition is overridden in tests; production wires it to
// diskmodel.DeleteAutoCreated.
func (o *Orchestrator) reclaimDataPartition(letter, extendLetter string) error {
	if o.ReclaimPartition != nil {
		return o.ReclaimPartition(letter, extendLetter)
	}
	return nil
}

// RunBackup captures the source partition per the staged BackupConfig,
// verifies the output, removes the PE boot entry so the next boot returns
// to the host OS, and cleans up.
func (o *Orchestrator) RunBackup(bc *types.BackupConfig, peBootGUID string) error {
	format := types.FormatWIM
	switch strings.ToUpper(bc.Format) {
	case "ESD":
		format = types.FormatESD
	case "SWM":
		format = types.FormatSWM
	case "GHO":
		format = types.FormatGHO
	}

	o.publish(types.StepChange(1, "Capture image"))
	err := o.Images.Capture(bc.SourcePartition, bc.SavePath, bc.Name, bc.Description,
		format, bc.Incremental, bc.SWMSplitSizeMB, func(p int) {
			o.publish(types.StepProgress(p))
		})
	if err != nil {
		return o.fail(err)
	}

	if ok, _ := fsutils.Exists(o.cfg.Fs, bc.SavePath); !ok {
		return o.fail(types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("capture reported success but %s does not exist", bc.SavePath), nil))
	}

	if peBootGUID != "" {
		if err := o.Boot.DeletePEBootEntry(peBootGUID); err != nil {
			o.cfg.Logger.Warnf("could not remove PE boot entry: %s", err)
		}
	}

	o.publish(types.Completed())
	if o.Reboot != nil {
		return o.Reboot()
	}
	return nil
}

// firmwareIsUEFI is platform-specific; see firmware_windows.go.
func (o *Orchestrator) firmwareIsUEFI() bool {
	return firmwareIsUEFI()
}
