// Package bootmgr writes and repairs boot configuration: bcdboot for
// the boot store, bcdedit for the one-shot PE entry, mountvol/diskpart for
// ESP access, and the UefiSeven shim for Win7 on Class 3 UEFI firmware.
package bootmgr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/diskmodel"
	"github.com/letrecovery/deployengine/pkg/types"
)

// Manager drives the platform boot tools. ESPFinder lets tests substitute
// the partition scan.
type Manager struct {
	cfg *config.Config

	// Model resolves the ESP partition; nil disables FindAndMountESP's
	// enumeration (tests exercise the mount plumbing directly).
	Model *diskmodel.Model
}

func New(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// RepairBoot installs a boot store on the appropriate system partition
// pointing at the Windows directory on targetLetter.
func (m *Manager) RepairBoot(targetLetter string, useUEFI bool) error {
	windowsDir := strings.TrimSuffix(targetLetter, `\`) + `\Windows`
	firmware := "BIOS"
	if useUEFI {
		firmware = "UEFI"
	}
	res, err := m.cfg.Runner.Run(constants.ToolBcdboot, windowsDir, "/f", firmware)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("bcdboot %s /f %s: %s", windowsDir, firmware, strings.TrimSpace(string(res.Stdout))), err)
	}
	m.cfg.Logger.Infof("boot store written for %s (%s)", targetLetter, firmware)
	return nil
}

var guidRe = regexp.MustCompile(`\{[0-9a-fA-F-]{36}\}`)

// InstallPEBootEntry registers a one-shot boot entry for the staged PE
// image and puts it at the top of the next boot only: a failed PE boot
// falls back to the host OS instead of looping.
func (m *Manager) InstallPEBootEntry(peImagePath, peRamdiskDevice string) (string, error) {
	// The ramdisk options object tells the loader which device holds the WIM.
	res, err := m.cfg.Runner.Run(constants.ToolBcdedit,
		"/create", "{ramdiskoptions}", "/d", "LetRecovery Ramdisk")
	if err != nil {
		return "", types.NewEngineError(types.KindBootTool, "creating ramdisk options", err)
	}
	// An existing {ramdiskoptions} object makes /create fail; it is then
	// reconfigured below, so a nonzero exit here is not fatal.
	_ = res

	for _, args := range [][]string{
		{"/set", "{ramdiskoptions}", "ramdisksdidevice", peRamdiskDevice},
		{"/set", "{ramdiskoptions}", "ramdisksdipath", `\LetRecovery\boot.sdi`},
	} {
		if res, err := m.cfg.Runner.Run(constants.ToolBcdedit, args...); err != nil || res.ExitCode != 0 {
			return "", types.NewEngineError(types.KindBootTool,
				fmt.Sprintf("bcdedit %s", strings.Join(args, " ")), err)
		}
	}

	res, err = m.cfg.Runner.Run(constants.ToolBcdedit,
		"/create", "/d", "LetRecovery PE", "/application", "osloader")
	if err != nil || res.ExitCode != 0 {
		return "", types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("creating PE boot entry: %s", strings.TrimSpace(string(res.Stdout))), err)
	}
	guid := guidRe.FindString(string(res.Stdout))
	if guid == "" {
		return "", types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("bcdedit returned no entry GUID: %s", strings.TrimSpace(string(res.Stdout))), nil)
	}

	ramdisk := fmt.Sprintf(`ramdisk=[%s]%s,{ramdiskoptions}`, peRamdiskDevice, peImagePath)
	for _, args := range [][]string{
		{"/set", guid, "device", ramdisk},
		{"/set", guid, "osdevice", ramdisk},
		{"/set", guid, "path", `\windows\system32\winload.exe`},
		{"/set", guid, "systemroot", `\windows`},
		{"/set", guid, "winpe", "yes"},
		{"/set", guid, "detecthal", "yes"},
		{"/bootsequence", guid},
	} {
		if res, err := m.cfg.Runner.Run(constants.ToolBcdedit, args...); err != nil || res.ExitCode != 0 {
			return "", types.NewEngineError(types.KindBootTool,
				fmt.Sprintf("bcdedit %s: %s", strings.Join(args, " "), strings.TrimSpace(string(res.Stdout))), err)
		}
	}

	m.cfg.Logger.Infof("one-shot PE boot entry %s registered", guid)
	return guid, nil
}

// DeletePEBootEntry removes the one-shot entry so the next reboot returns
// to the host OS. Used by the backup pipeline and PE-phase cleanup.
func (m *Manager) DeletePEBootEntry(guid string) error {
	res, err := m.cfg.Runner.Run(constants.ToolBcdedit, "/delete", guid, "/cleanup")
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("deleting boot entry %s", guid), err)
	}
	return nil
}

// FindAndMountESP locates the EFI system partition and makes sure it has a
// drive letter, returning it. If the host already had it mounted the
// existing letter is returned (and must not be reclaimed on shutdown).
// mountvol's dedicated /S switch is tried first; diskpart is the fallback
// for firmware setups mountvol cannot see.
func (m *Manager) FindAndMountESP() (letter string, alreadyMounted bool, err error) {
	if m.Model != nil {
		parts, err := m.Model.ListPartitions()
		if err == nil {
			for _, p := range parts {
				if p.IsESP && p.Letter != "" {
					return p.Letter, true, nil
				}
			}
		}
	}

	letter = m.freeLetter()
	if letter == "" {
		return "", false, types.NewEngineError(types.KindBootTool, "no free drive letter for the ESP", nil)
	}

	res, err := m.cfg.Runner.Run(constants.ToolMountvol, letter, "/S")
	if err == nil && res.ExitCode == 0 {
		return letter, false, nil
	}
	m.cfg.Logger.Debugf("mountvol %s /S failed, falling back to diskpart", letter)

	if m.Model == nil {
		return "", false, types.NewEngineError(types.KindBootTool, "cannot locate the ESP without a disk model", nil)
	}
	parts, lerr := m.Model.ListPartitions()
	if lerr != nil {
		return "", false, lerr
	}
	for _, p := range parts {
		if !p.IsESP {
			continue
		}
		_, derr := diskmodel.RunDiskpartScript(m.cfg, []string{
			fmt.Sprintf("select disk %d", p.DiskNumber),
			fmt.Sprintf("select partition %d", p.PartitionNumber+1),
			fmt.Sprintf("assign letter=%s", strings.TrimSuffix(letter, ":")),
			"exit",
		})
		if derr != nil {
			return "", false, derr
		}
		return letter, false, nil
	}
	return "", false, types.NewEngineError(types.KindBootTool, "no EFI system partition found", nil)
}

// UnmountESP releases a letter FindAndMountESP assigned. A letter that was
// already mounted before this engine ran is left alone by the caller.
func (m *Manager) UnmountESP(letter string) error {
	res, err := m.cfg.Runner.Run(constants.ToolMountvol, letter, "/D")
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("unmounting ESP %s", letter), err)
	}
	return nil
}

// freeLetter is overridable in tests.
var testFreeLetter string

func (m *Manager) freeLetter() string {
	if testFreeLetter != "" {
		return testFreeLetter
	}
	return nextFreeESPLetter()
}
