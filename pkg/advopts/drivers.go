package advopts

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// CabKind distinguishes the two things a .cab in a driver directory can
// be: a Windows-Update package (servicing stack installs it) or a plain
// driver archive (extract and inject as a driver root).
type CabKind int

const (
	CabUnknown CabKind = iota
	CabUpdatePackage
	CabDriverArchive
)

var kbPattern = regexp.MustCompile(`(?i)kb\d{6,7}`)

// ClassifyCab decides how a .cab should be installed. The filename KB
// pattern short-circuits; otherwise the archive listing decides:
// .manifest/.mum entries (or nested cabs) mean an update package, .inf
// entries mean a driver archive.
func (a *Applier) ClassifyCab(cabPath string) (CabKind, error) {
	if kbPattern.MatchString(filepath.Base(cabPath)) {
		return CabUpdatePackage, nil
	}
	res, err := a.cfg.Runner.Run(constants.ToolExpand, "-D", cabPath)
	if err != nil || res.ExitCode != 0 {
		return CabUnknown, types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("listing %s", cabPath), err)
	}
	listing := strings.ToLower(string(res.Stdout))
	switch {
	case strings.Contains(listing, ".manifest") || strings.Contains(listing, ".mum"):
		return CabUpdatePackage, nil
	case strings.Contains(listing, ".cab"):
		return CabUpdatePackage, nil
	case strings.Contains(listing, ".inf"):
		return CabDriverArchive, nil
	default:
		return CabUnknown, nil
	}
}

// InjectDrivers walks driverDir and pushes its payload into the offline
// target: .inf trees via the driver store, update cabs via the servicing
// stack, driver cabs extracted first. Hives MUST be unloaded before this
// runs; the servicing tool opens them exclusively.
func (a *Applier) InjectDrivers(targetRoot, driverDir string) error {
	if a.hivesLoaded {
		return types.NewEngineError(types.KindInternal,
			"driver injection with hives still loaded", nil)
	}
	imageArg := "/Image:" + fsutils.LetterRoot(targetRoot)

	cabs, hasInf, err := a.scanDriverDir(driverDir)
	if err != nil {
		return err
	}

	if hasInf {
		if err := a.addDriverRoot(imageArg, driverDir); err != nil {
			return err
		}
	}

	for _, cab := range cabs {
		kind, cerr := a.ClassifyCab(cab)
		if cerr != nil {
			a.cfg.Logger.Warnf("skipping %s: %s", cab, cerr)
			continue
		}
		switch kind {
		case CabUpdatePackage:
			if err := a.addPackageOffline(imageArg, cab); err != nil {
				a.cfg.Logger.Warnf("update package %s: %s", cab, err)
			}
		case CabDriverArchive:
			if err := a.injectDriverCab(imageArg, cab); err != nil {
				a.cfg.Logger.Warnf("driver cab %s: %s", cab, err)
			}
		default:
			a.cfg.Logger.Warnf("unrecognized cab %s, skipped", cab)
		}
	}
	return nil
}

func (a *Applier) scanDriverDir(driverDir string) (cabs []string, hasInf bool, err error) {
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, rerr := a.cfg.Fs.ReadDir(dir)
		if rerr != nil {
			return rerr
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				if werr := walk(full); werr != nil {
					return werr
				}
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".cab":
				cabs = append(cabs, full)
			case ".inf":
				hasInf = true
			}
		}
		return nil
	}
	if err = walk(driverDir); err != nil {
		return nil, false, types.NewEngineError(types.KindIo,
			fmt.Sprintf("scanning driver directory %s", driverDir), err)
	}
	return cabs, hasInf, nil
}

func (a *Applier) addDriverRoot(imageArg, dir string) error {
	err := a.cfg.Runner.StreamLines(context.Background(), func(string) {},
		constants.ToolDism, imageArg, "/Add-Driver", "/Driver:"+dir, "/Recurse", "/ForceUnsigned")
	if err != nil {
		return types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("injecting drivers from %s", dir), err)
	}
	return nil
}

func (a *Applier) addPackageOffline(imageArg, cab string) error {
	err := a.cfg.Runner.StreamLines(context.Background(), func(string) {},
		constants.ToolDism, imageArg, "/Add-Package", "/PackagePath:"+cab)
	if err != nil {
		return types.NewEngineError(types.KindImageTool,
			fmt.Sprintf("installing package %s", cab), err)
	}
	return nil
}

func (a *Applier) injectDriverCab(imageArg, cab string) error {
	tmp, err := fsutils.TempDir(a.cfg.Fs, "", "letrecovery-drv")
	if err != nil {
		return types.NewEngineError(types.KindIo, "creating driver extraction dir", err)
	}
	defer a.cfg.Fs.RemoveAll(tmp) //nolint:errcheck

	res, err := a.cfg.Runner.Run(constants.ToolExpand, cab, "-F:*", tmp)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("extracting %s", cab), err)
	}
	return a.addDriverRoot(imageArg, tmp)
}

// nvmeFallbackServices are written straight into the offline SYSTEM hive
// when the servicing tool cannot inject the Win7 NVMe/AHCI drivers: the
// boot-critical service entries alone are enough once the .sys files are
// in place under System32\drivers.
var nvmeFallbackServices = []struct {
	name  string
	image string
	group string
}{
	{"stornvme", `System32\drivers\stornvme.sys`, "SCSI miniport"},
	{"storahci", `System32\drivers\storahci.sys`, "SCSI miniport"},
	{"msahci", `System32\drivers\msahci.sys`, "SCSI miniport"},
}

// RegisterNVMeFallback writes the boot-critical storage services into the
// offline hive directly. Hives must be loaded again when this runs.
func (a *Applier) RegisterNVMeFallback() error {
	if !a.hivesLoaded {
		return types.NewEngineError(types.KindInternal,
			"NVMe fallback requires loaded hives", nil)
	}
	for _, cs := range controlSets {
		for _, svc := range nvmeFallbackServices {
			key := constants.SynthSystemRoot + `\` + cs + `\Services\` + svc.name
			if err := a.reg.CreateKey(key); err != nil {
				return err
			}
			steps := []error{
				a.reg.SetDWORD(key, "Start", 0),
				a.reg.SetDWORD(key, "Type", 1),
				a.reg.SetDWORD(key, "ErrorControl", 3),
				a.reg.SetExpandString(key, "ImagePath", svc.image),
				a.reg.SetString(key, "Group", svc.group),
			}
			for _, err := range steps {
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ExportHostDrivers exports the running system's third-party drivers into
// destDir so they can be re-imported after the image apply.
func (a *Applier) ExportHostDrivers(destDir string) error {
	if err := fsutils.MkdirAll(a.cfg.Fs, destDir, fsutils.DirPerm); err != nil {
		return types.NewEngineError(types.KindIo, "creating driver export dir", err)
	}
	err := a.cfg.Runner.StreamLines(context.Background(), func(string) {},
		constants.ToolDism, "/Online", "/Export-Driver", "/Destination:"+destDir)
	if err != nil {
		return types.NewEngineError(types.KindImageTool, "exporting host drivers", err)
	}
	return nil
}
