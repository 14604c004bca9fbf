package diskmodel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/types"
)

// AutoCreatedLabel marks a data partition this engine carved out itself, so
// the PE-phase cleanup can recognize and reclaim it.
const AutoCreatedLabel = "LETRECOVERY"

// FindDataPartition picks the partition that will hold the staged config,
// image and drivers across the reboot into PE. Candidates are writable
// fixed partitions other than excludeLetter with at least requiredBytes
// free; among several, the lowest drive letter wins so discovery is
// deterministic on both sides of the reboot. When nothing fits, the system
// partition is shrunk and a fresh NTFS partition is created and labeled so
// cleanup can delete it and give the space back.
func FindDataPartition(cfg *config.Config, m *Model, excludeLetter string, requiredBytes uint64) (string, bool, error) {
	parts, err := m.ListPartitions()
	if err != nil {
		return "", false, err
	}

	var candidates []*types.Partition
	var system *types.Partition
	for _, p := range parts {
		if p.IsSystem {
			system = p
		}
		if !usableDataPartition(p, excludeLetter, requiredBytes) {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Letter < candidates[j].Letter
		})
		return candidates[0].Letter, false, nil
	}

	if system == nil {
		return "", false, types.NewEngineError(types.KindPartitioning,
			"no data partition fits the staged payload and no system partition exists to shrink", nil)
	}
	if system.FreeBytes < requiredBytes*2 {
		return "", false, types.NewEngineError(types.KindPartitioning,
			fmt.Sprintf("system partition has %d bytes free, cannot carve a %d byte staging partition",
				system.FreeBytes, requiredBytes), nil)
	}

	letter, err := shrinkAndCreate(cfg, system, requiredBytes)
	if err != nil {
		return "", false, err
	}
	return letter, true, nil
}

func usableDataPartition(p *types.Partition, excludeLetter string, requiredBytes uint64) bool {
	if p.Letter == "" || strings.EqualFold(p.Letter, excludeLetter) {
		return false
	}
	if p.IsESP || p.IsMSR || p.IsRecovery || p.IsSystem {
		return false
	}
	if p.BitLocker == types.EncryptedLocked {
		return false
	}
	fs := strings.ToUpper(p.FileSystem)
	if fs != "NTFS" && !strings.HasPrefix(fs, "FAT") {
		return false
	}
	return p.FreeBytes >= requiredBytes
}

// shrinkAndCreate shrinks the system partition by requiredBytes (plus a
// margin) and creates the staging partition in the freed space.
func shrinkAndCreate(cfg *config.Config, system *types.Partition, requiredBytes uint64) (string, error) {
	shrinkMB := requiredBytes/(1024*1024) + 512
	letter := nextFreeLetter()
	if letter == "" {
		return "", types.NewEngineError(types.KindPartitioning, "no free drive letter for staging partition", nil)
	}

	_, err := RunDiskpartScript(cfg, []string{
		fmt.Sprintf("select volume %s", strings.TrimSuffix(system.Letter, ":")),
		fmt.Sprintf("shrink desired=%d", shrinkMB),
		"create partition primary",
		fmt.Sprintf("format fs=ntfs quick label=%q", AutoCreatedLabel),
		fmt.Sprintf("assign letter=%s", strings.TrimSuffix(letter, ":")),
		"exit",
	})
	if err != nil {
		return "", err
	}
	cfg.Logger.Infof("created staging partition %s by shrinking %s", letter, system.Letter)
	return letter, nil
}

// DeleteAutoCreated removes a staging partition this engine created and
// extends the preceding partition back over the freed space.
func DeleteAutoCreated(cfg *config.Config, letter string, extendLetter string) error {
	lines := []string{
		fmt.Sprintf("select volume %s", strings.TrimSuffix(letter, ":")),
		"delete volume",
	}
	if extendLetter != "" {
		lines = append(lines,
			fmt.Sprintf("select volume %s", strings.TrimSuffix(extendLetter, ":")),
			"extend",
		)
	}
	lines = append(lines, "exit")
	_, err := RunDiskpartScript(cfg, lines)
	return err
}
