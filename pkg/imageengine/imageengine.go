// Package imageengine applies, captures and inspects OS images. The
// WIM family (WIM/ESD/SWM) goes through the platform image-servicing tool;
// GHO goes through the Ghost utility. Both map their textual progress
// output onto a single 0..100 callback so the orchestrator and UI never
// care which codec ran.
package imageengine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/types"
)

// ProgressFunc receives 0..=100.
type ProgressFunc func(percent int)

// Engine is the uniform codec front. LockedCheck, when set, vetoes any
// apply onto a BitLocker-locked target before the tool starts; GhostResolve
// maps a drive letter to the (disk, partition) pair Ghost addresses.
type Engine struct {
	cfg          *config.Config
	LockedCheck  func(letter string) (bool, error)
	GhostResolve func(letter string) (disk, part int, err error)
}

func New(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// DetectFormat classifies an image file by extension.
func DetectFormat(path string) (types.ImageFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wim":
		return types.FormatWIM, nil
	case ".esd":
		return types.FormatESD, nil
	case ".swm":
		return types.FormatSWM, nil
	case ".gho":
		return types.FormatGHO, nil
	default:
		return types.FormatWIM, types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("unrecognized image extension on %s", path), nil)
	}
}

// Enumerate reads image metadata without extracting and classifies every
// volume inside.
func (e *Engine) Enumerate(imagePath string) ([]types.ImageInfo, error) {
	format, err := DetectFormat(imagePath)
	if err != nil {
		return nil, err
	}
	if format == types.FormatGHO {
		// Ghost images carry no volume metadata; surface a single
		// full-backup entry so the UI can still offer it.
		return []types.ImageInfo{{
			Index: 1,
			Name:  filepath.Base(imagePath),
			Kind:  types.KindFullBackup,
		}}, nil
	}
	infos, err := e.enumerateWim(imagePath)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		infos[i].Kind = Classify(&infos[i])
	}
	return infos, nil
}

// Apply writes volume index of imagePath onto targetLetter.
func (e *Engine) Apply(imagePath string, index int, targetLetter string, progress ProgressFunc) error {
	if e.LockedCheck != nil {
		locked, err := e.LockedCheck(targetLetter)
		if err == nil && locked {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("target %s is BitLocker-locked; refusing to apply", targetLetter), nil)
		}
	}

	format, err := DetectFormat(imagePath)
	if err != nil {
		return err
	}
	switch format {
	case types.FormatGHO:
		return e.ghostRestore(imagePath, targetLetter, progress)
	default:
		return e.wimApply(imagePath, format, index, targetLetter, progress)
	}
}

// Capture images sourceLetter into destPath using the requested format.
// Incremental captures append a new volume to an existing WIM/ESD.
func (e *Engine) Capture(sourceLetter, destPath, name, description string,
	format types.ImageFormat, incremental bool, splitSizeMB int, progress ProgressFunc) error {
	switch format {
	case types.FormatGHO:
		return e.ghostCapture(sourceLetter, destPath, progress)
	case types.FormatSWM:
		return e.swmCapture(sourceLetter, destPath, name, description, splitSizeMB, progress)
	default:
		if incremental {
			return e.wimAppend(sourceLetter, destPath, name, description, progress)
		}
		return e.wimCapture(sourceLetter, destPath, name, description, format, progress)
	}
}

// Append adds a volume to an existing WIM/ESD image.
func (e *Engine) Append(sourceLetter, imagePath, name, description string, progress ProgressFunc) error {
	return e.wimAppend(sourceLetter, imagePath, name, description, progress)
}

// Split splits an existing WIM into fixed-size SWM volumes.
func (e *Engine) Split(imagePath, swmPath string, sizeMB int, progress ProgressFunc) error {
	return e.wimSplit(imagePath, swmPath, sizeMB, progress)
}
