package diskmodel

import (
	"fmt"
	"os"
	"strings"

	"github.com/sanity-io/litter"

	"github.com/letrecovery/deployengine/pkg/config"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// VolumeStats reports the mounted-volume view of a drive letter: total and
// free bytes, filesystem name and label. Interface so tests feed a table
// instead of calling GetDiskFreeSpaceEx.
type VolumeStats interface {
	Stats(letter string) (total, free uint64, fsName, label string, err error)
}

// Model is the partition/disk query surface the orchestrator consumes. It
// stitches the raw enumeration (offsets, type GUIDs) together with the
// mounted-volume view (letters, free space, filesystem).
type Model struct {
	cfg   *config.Config
	enum  Enumerator
	stats VolumeStats
}

func NewModel(cfg *config.Config, enum Enumerator, stats VolumeStats) *Model {
	return &Model{cfg: cfg, enum: enum, stats: stats}
}

// ListDisks returns every physical disk with ordered partitions.
func (m *Model) ListDisks() ([]*types.PhysicalDisk, error) {
	disks, err := m.enum.ListDisks()
	if err != nil {
		return nil, err
	}
	for _, d := range disks {
		for _, p := range d.Partitions {
			m.fillVolumeView(p)
		}
	}
	m.cfg.Logger.Debugf("enumerated disks: %s", litter.Sdump(disks))
	return disks, nil
}

// ListPartitions flattens ListDisks into the partition list UIs render.
func (m *Model) ListPartitions() ([]*types.Partition, error) {
	disks, err := m.ListDisks()
	if err != nil {
		return nil, err
	}
	var parts []*types.Partition
	for _, d := range disks {
		parts = append(parts, d.Partitions...)
	}
	return parts, nil
}

func (m *Model) fillVolumeView(p *types.Partition) {
	if p.Letter == "" {
		return
	}
	if m.stats != nil {
		if total, free, fsName, label, err := m.stats.Stats(p.Letter); err == nil {
			if total > 0 {
				p.TotalBytes = total
			}
			p.FreeBytes = free
			if fsName != "" {
				p.FileSystem = fsName
			}
			if label != "" {
				p.Label = label
			}
		}
	}
	p.HasWindows = m.hasWindows(p.Letter)
	p.IsSystem = m.isSystemLetter(p.Letter)
}

func (m *Model) hasWindows(letter string) bool {
	ok, _ := fsutils.Exists(m.cfg.Fs, letter+`\Windows\System32`)
	return ok
}

// isSystemLetter compares against the running host's SystemDrive. At most
// one partition can match since letters are unique.
func (m *Model) isSystemLetter(letter string) bool {
	sysDrive := os.Getenv("SystemDrive")
	if sysDrive == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(letter, `\`), sysDrive)
}

// FindPartition returns the partition currently mounted as letter.
func (m *Model) FindPartition(letter string) (*types.Partition, error) {
	parts, err := m.ListPartitions()
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if strings.EqualFold(p.Letter, letter) {
			return p, nil
		}
	}
	return nil, types.NewEngineError(types.KindUserInput,
		fmt.Sprintf("no partition mounted as %s", letter), nil)
}
