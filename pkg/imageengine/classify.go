package imageengine

import (
	"strings"

	"github.com/letrecovery/deployengine/pkg/types"
)

var peNameMarkers = []string{"windows pe", "windows setup", "setup media", "winpe"}

var backupNameMarkers = []string{
	"windows 7", "windows 8", "windows 10", "windows 11",
	"windows server", "backup", "备份", "镜像",
}

// Classify derives the volume kind from its metadata. Rules in order: the
// installation type is authoritative when recognized; an empty type with a
// version present is a captured backup; otherwise the name decides; an
// unrecognized non-empty type stays Unknown (still offered, with a
// warning, since vendors ship types like "Embedded").
func Classify(info *types.ImageInfo) types.ImageKind {
	switch info.InstallationType {
	case types.InstallationWindowsPE:
		return types.KindWindowsPE
	case types.InstallationClient, types.InstallationServer:
		return types.KindStandardInstall
	case types.InstallationEmpty:
		if info.MajorVersion > 0 {
			return types.KindFullBackup
		}
	default:
		return types.KindUnknown
	}

	lower := strings.ToLower(info.Name)
	for _, marker := range peNameMarkers {
		if strings.Contains(lower, marker) {
			return types.KindWindowsPE
		}
	}
	for _, marker := range backupNameMarkers {
		if strings.Contains(lower, marker) {
			return types.KindFullBackup
		}
	}
	return types.KindUnknown
}

// InstallableIndexes returns the indexes the UI may offer for install.
// Unknown volumes are included (with a warning upstream); WindowsPE
// volumes never are.
func InstallableIndexes(infos []types.ImageInfo) []int {
	var idxs []int
	for _, info := range infos {
		if info.Kind == types.KindWindowsPE {
			continue
		}
		idxs = append(idxs, info.Index)
	}
	return idxs
}

// DefaultSelection picks the volume preselected in the UI: the first
// installable one, which for vendor images is volume 1.
func DefaultSelection(infos []types.ImageInfo) int {
	for _, info := range infos {
		if info.Kind.Installable() {
			return info.Index
		}
	}
	if idxs := InstallableIndexes(infos); len(idxs) > 0 {
		return idxs[0]
	}
	return 0
}
