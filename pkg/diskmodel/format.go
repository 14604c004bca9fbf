package diskmodel

import (
	"fmt"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// RunDiskpartScript writes the given script lines to a temp file and feeds
// them to diskpart with /s, returning its decoded output. diskpart has no
// stdin mode worth relying on across Windows versions; the script file is
// the documented interface.
func RunDiskpartScript(cfg *config.Config, lines []string) (string, error) {
	tmp, err := fsutils.TempFile(cfg.Fs, "", "letrecovery-*.dps")
	if err != nil {
		return "", types.NewEngineError(types.KindIo, "creating diskpart script", err)
	}
	name := tmp.Name()
	defer cfg.Fs.Remove(name) //nolint:errcheck

	script := strings.Join(lines, "\r\n") + "\r\n"
	if _, err := tmp.Write([]byte(script)); err != nil {
		tmp.Close()
		return "", types.NewEngineError(types.KindIo, "writing diskpart script", err)
	}
	tmp.Close()

	cfg.Logger.Debugf("diskpart script:\n%s", script)
	res, err := cfg.Runner.Run(constants.ToolDiskpart, "/s", name)
	out := string(res.Stdout)
	if err != nil || res.ExitCode != 0 {
		return out, types.NewEngineError(types.KindPartitioning,
			fmt.Sprintf("diskpart failed: %s", strings.TrimSpace(out)), err)
	}
	return out, nil
}

// Format reformats the volume mounted as letter. fs is "ntfs" or "fat32";
// an empty label is allowed. Quick format always: a full format on a
// deployment target wastes minutes zeroing sectors the image apply is
// about to overwrite anyway.
func Format(cfg *config.Config, letter, fs, label string) error {
	letter = strings.TrimSuffix(letter, `\`)
	line := fmt.Sprintf("format fs=%s quick", strings.ToLower(fs))
	if label != "" {
		line += fmt.Sprintf(" label=%q", label)
	}
	_, err := RunDiskpartScript(cfg, []string{
		fmt.Sprintf("select volume %s", strings.TrimSuffix(letter, ":")),
		line,
		"exit",
	})
	return err
}
