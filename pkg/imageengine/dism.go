package imageengine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

var percentLineRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// streamProgress runs the tool and forwards every percentage found in its
// output, clamped monotonic so a re-printed lower value never walks the
// progress bar backwards.
func (e *Engine) streamProgress(progress ProgressFunc, command string, args ...string) error {
	last := -1
	onLine := func(line string) {
		if progress == nil {
			return
		}
		m := percentLineRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		pct := int(v)
		if pct > 100 {
			pct = 100
		}
		if pct > last {
			last = pct
			progress(pct)
		}
	}
	err := e.cfg.Runner.StreamLines(context.Background(), onLine, command, args...)
	if err != nil {
		return types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("%s %s", command, strings.Join(args, " ")), err)
	}
	if progress != nil && last < 100 {
		progress(100)
	}
	return nil
}

func (e *Engine) wimApply(imagePath string, format types.ImageFormat, index int, targetLetter string, progress ProgressFunc) error {
	applyDir := strings.TrimSuffix(targetLetter, `\`) + `\`
	args := []string{
		"/Apply-Image",
		"/ImageFile:" + imagePath,
		fmt.Sprintf("/Index:%d", index),
		"/ApplyDir:" + applyDir,
	}
	if format == types.FormatSWM {
		// Caller points at the first volume; the pattern covers the rest.
		base := strings.TrimSuffix(imagePath, ".swm")
		args = append(args, "/SWMFile:"+base+"*.swm")
	}
	return e.streamProgress(progress, constants.ToolDism, args...)
}

func (e *Engine) wimCapture(sourceLetter, destPath, name, description string, format types.ImageFormat, progress ProgressFunc) error {
	compress := "max"
	if format == types.FormatESD {
		compress = "recovery"
	}
	args := []string{
		"/Capture-Image",
		"/ImageFile:" + destPath,
		"/CaptureDir:" + strings.TrimSuffix(sourceLetter, `\`) + `\`,
		"/Name:" + name,
		"/Compress:" + compress,
	}
	if description != "" {
		args = append(args, "/Description:"+description)
	}
	return e.streamProgress(progress, constants.ToolDism, args...)
}

func (e *Engine) wimAppend(sourceLetter, imagePath, name, description string, progress ProgressFunc) error {
	args := []string{
		"/Append-Image",
		"/ImageFile:" + imagePath,
		"/CaptureDir:" + strings.TrimSuffix(sourceLetter, `\`) + `\`,
		"/Name:" + name,
	}
	if description != "" {
		args = append(args, "/Description:"+description)
	}
	return e.streamProgress(progress, constants.ToolDism, args...)
}

func (e *Engine) swmCapture(sourceLetter, destPath, name, description string, splitSizeMB int, progress ProgressFunc) error {
	// Capture to a temporary WIM next to the destination, then split. The
	// servicing tool cannot capture straight into SWM volumes.
	tmpWim := strings.TrimSuffix(destPath, ".swm") + ".wim"
	captureProgress := func(p int) {
		if progress != nil {
			progress(p * 80 / 100)
		}
	}
	if err := e.wimCapture(sourceLetter, tmpWim, name, description, types.FormatWIM, captureProgress); err != nil {
		return err
	}
	splitProgress := func(p int) {
		if progress != nil {
			progress(80 + p*20/100)
		}
	}
	if err := e.wimSplit(tmpWim, destPath, splitSizeMB, splitProgress); err != nil {
		return err
	}
	return e.cfg.Fs.Remove(tmpWim)
}

func (e *Engine) wimSplit(imagePath, swmPath string, sizeMB int, progress ProgressFunc) error {
	return e.streamProgress(progress, constants.ToolDism,
		"/Split-Image",
		"/ImageFile:"+imagePath,
		"/SWMFile:"+swmPath,
		fmt.Sprintf("/FileSize:%d", sizeMB),
	)
}

// enumerateWim lists the volumes inside a WIM/ESD/SWM and pulls the
// per-volume details the classifier needs.
func (e *Engine) enumerateWim(imagePath string) ([]types.ImageInfo, error) {
	res, err := e.cfg.Runner.Run(constants.ToolDism, "/Get-WimInfo", "/WimFile:"+imagePath)
	if err != nil || res.ExitCode != 0 {
		return nil, types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("enumerating %s: %s", imagePath, strings.TrimSpace(string(res.Stdout))), err)
	}
	indexes := parseIndexes(string(res.Stdout))
	if len(indexes) == 0 {
		return nil, types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("image %s contains no volumes", imagePath), nil)
	}

	var infos []types.ImageInfo
	for _, idx := range indexes {
		res, err := e.cfg.Runner.Run(constants.ToolDism, "/Get-WimInfo",
			"/WimFile:"+imagePath, fmt.Sprintf("/Index:%d", idx))
		if err != nil || res.ExitCode != 0 {
			return nil, types.NewEngineError(types.KindImageTool,
				fmt.Sprintf("reading volume %d of %s", idx, imagePath), err)
		}
		info := ParseImageDetails(string(res.Stdout))
		info.Index = idx
		infos = append(infos, info)
	}
	return infos, nil
}

var indexRe = regexp.MustCompile(`(?mi)^\s*Index\s*:\s*(\d+)\s*$`)

func parseIndexes(out string) []int {
	var idxs []int
	for _, m := range indexRe.FindAllStringSubmatch(out, -1) {
		if v, err := strconv.Atoi(m[1]); err == nil {
			idxs = append(idxs, v)
		}
	}
	return idxs
}

var detailRe = regexp.MustCompile(`(?m)^\s*([A-Za-z ]+?)\s*:\s*(.+?)\s*$`)

// ParseImageDetails reads a per-volume detail block into an ImageInfo.
// Exported for the parsing tests.
func ParseImageDetails(out string) types.ImageInfo {
	var info types.ImageInfo
	for _, m := range detailRe.FindAllStringSubmatch(out, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		value := strings.TrimSpace(m[2])
		switch key {
		case "name":
			info.Name = value
		case "installation":
			info.InstallationType = types.InstallationType(value)
		case "architecture":
			info.Architecture = normalizeArch(value)
		case "version":
			parts := strings.Split(value, ".")
			if len(parts) >= 1 {
				info.MajorVersion, _ = strconv.Atoi(parts[0])
			}
			if len(parts) >= 2 {
				info.MinorVersion, _ = strconv.Atoi(parts[1])
			}
		}
	}
	return info
}

func normalizeArch(v string) string {
	switch strings.ToLower(v) {
	case "x64", "amd64":
		return constants.ArchAmd64
	case "x86":
		return constants.ArchX86
	case "arm64":
		return constants.ArchArm64
	default:
		return strings.ToLower(v)
	}
}
