package imageengine

import (
	"fmt"

	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// ghostTool picks whichever Ghost binary is on PATH next to the engine.
// ghost32 ships in most PE builds; plain ghost.exe in the full toolkits.
func (e *Engine) ghostTool() string {
	for _, tool := range []string{constants.ToolGhost32, constants.ToolGhost} {
		if _, err := e.cfg.Fs.Stat(tool); err == nil {
			return tool
		}
	}
	return constants.ToolGhost32
}

func (e *Engine) ghostAddr(letter string) (string, error) {
	if e.GhostResolve == nil {
		return "", types.NewEngineError(types.KindInternal,
			"ghost codec needs a letter-to-partition resolver", nil)
	}
	disk, part, err := e.GhostResolve(letter)
	if err != nil {
		return "", err
	}
	// Ghost numbers disks and partitions from 1.
	return fmt.Sprintf("%d:%d", disk+1, part+1), nil
}

// ghostRestore loads volume 1 of a .gho onto the target partition.
func (e *Engine) ghostRestore(imagePath, targetLetter string, progress ProgressFunc) error {
	dst, err := e.ghostAddr(targetLetter)
	if err != nil {
		return err
	}
	return e.streamProgress(progress, e.ghostTool(),
		fmt.Sprintf("-clone,mode=pload,src=%s:1,dst=%s", imagePath, dst),
		"-sure", "-batch", "-fx")
}

// ghostCapture dumps the source partition into a .gho.
func (e *Engine) ghostCapture(sourceLetter, destPath string, progress ProgressFunc) error {
	src, err := e.ghostAddr(sourceLetter)
	if err != nil {
		return err
	}
	if ok, _ := fsutils.Exists(e.cfg.Fs, destPath); ok {
		return types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("backup target %s already exists", destPath), nil)
	}
	return e.streamProgress(progress, e.ghostTool(),
		fmt.Sprintf("-clone,mode=pdump,src=%s,dst=%s", src, destPath),
		"-sure", "-batch", "-z9", "-fx")
}
