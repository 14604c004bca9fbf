package bootmgr

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// ApplyUefiSeven installs the Int10h-emulation shim for Windows 7 on UEFI
// Class 3 firmware: the original bootmgfw.efi on the ESP is preserved under
// a new name and the shim takes its place, so the chain becomes
// firmware -> shim -> original bootmgfw -> Windows. shimDir holds the
// prebuilt loader and its ini as staged by the host phase.
func (m *Manager) ApplyUefiSeven(espLetter, shimDir string, verbose bool) error {
	fs := m.cfg.Fs
	bootDir := filepath.Join(fsutils.LetterRoot(espLetter), "EFI", "Microsoft", "Boot")
	original := filepath.Join(bootDir, "bootmgfw.efi")
	preserved := filepath.Join(bootDir, "bootmgfw.original.efi")
	shimSrc := filepath.Join(shimDir, constants.UefiSevenLoader)

	if ok, _ := fsutils.Exists(fs, shimSrc); !ok {
		return types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("UefiSeven loader missing at %s", shimSrc), nil)
	}
	if ok, _ := fsutils.Exists(fs, original); !ok {
		return types.NewEngineError(types.KindBootTool,
			fmt.Sprintf("no bootmgfw.efi on the ESP at %s", original), nil)
	}

	// Idempotence: a preserved copy means the shim is already in place;
	// renaming again would clobber the real loader with the shim.
	if ok, _ := fsutils.Exists(fs, preserved); !ok {
		if err := fs.Rename(original, preserved); err != nil {
			return types.NewEngineError(types.KindIo, "preserving original bootmgfw.efi", err)
		}
	}
	if err := fsutils.Copy(fs, shimSrc, original); err != nil {
		return types.NewEngineError(types.KindIo, "installing UefiSeven loader", err)
	}

	if err := m.writeUefiSevenIni(filepath.Join(bootDir, constants.UefiSevenIni), verbose); err != nil {
		return err
	}
	m.cfg.Logger.Infof("UefiSeven shim installed on %s", espLetter)
	return nil
}

// writeUefiSevenIni emits the shim's configuration. Verbosity is the only
// knob this engine exposes; everything else keeps the shim's defaults.
func (m *Manager) writeUefiSevenIni(path string, verbose bool) error {
	cfg := ini.Empty()
	section, err := cfg.NewSection("config")
	if err != nil {
		return types.NewEngineError(types.KindInternal, "building UefiSeven.ini", err)
	}
	verbosity := "0"
	if verbose {
		verbosity = "1"
	}
	section.NewKey("verbose", verbosity)        //nolint:errcheck
	section.NewKey("fakevesa", "1")             //nolint:errcheck
	section.NewKey("skiperrors", "1")           //nolint:errcheck
	section.NewKey("logfile", `\uefiseven.log`) //nolint:errcheck

	var sb strings.Builder
	if _, err := cfg.WriteTo(&sb); err != nil {
		return types.NewEngineError(types.KindInternal, "serializing UefiSeven.ini", err)
	}
	if err := m.cfg.Fs.WriteFile(path, []byte(sb.String()), fsutils.FilePerm); err != nil {
		return types.NewEngineError(types.KindIo, "writing UefiSeven.ini", err)
	}
	return nil
}
