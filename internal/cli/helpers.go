package cli

import (
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/letrecovery/deployengine/pkg/bootmgr"
	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/diskmodel"
)

// splitImagePath separates an image path into its directory and file
// name; InstallConfig stores the name relative to its directory so the
// staged copy keeps the same file name.
func splitImagePath(path string) (dir, file string) {
	return filepath.Dir(path), filepath.Base(path)
}

func newBootManager(cfg *config.Config) *bootmgr.Manager {
	mgr := bootmgr.New(cfg)
	mgr.Model = diskmodel.NewModel(cfg,
		diskmodel.NewEnumerator(diskmodel.WMIDriveLetterResolver{}), diskmodel.WinVolumeStats{})
	return mgr
}

// checkAdmin guards the destructive commands.
func checkAdmin(_ *cli.Context) error {
	return requireElevation()
}
