package staging

import (
	"path/filepath"

	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
	"github.com/twpayne/go-vfs/v5"

	"github.com/letrecovery/deployengine/pkg/types"
)

// WriteFileAtomic writes data to path via a sibling .tmp file and a rename,
// so a crash leaves either the old file or the new one, never a torn
// config. Content is plain UTF-8 with no BOM; the PE agent's JSON parser
// rejects BOM-prefixed input.
func WriteFileAtomic(fs vfs.FS, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := fs.WriteFile(tmp, data, fsutils.FilePerm); err != nil {
		return types.NewEngineError(types.KindIo, "writing "+filepath.Base(tmp), err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return types.NewEngineError(types.KindIo, "renaming "+filepath.Base(tmp), err)
	}
	return nil
}
