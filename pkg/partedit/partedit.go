// Package partedit computes and executes new partition layouts. The
// layout math is pure and unit-tested; execution composes a diskpart
// script, which is the only supported way to drive partitioning without
// taking the volume manager's private interfaces.
package partedit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/diskmodel"
	"github.com/letrecovery/deployengine/pkg/types"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// PartSpec is one user-defined data partition. SizeMB 0 means "take the
// rest of the disk" and is only valid on the last entry.
type PartSpec struct {
	SizeMB uint64
	Label  string
	FS     string // ntfs | fat32; empty defaults to ntfs
	Letter string // optional; diskpart auto-assigns when empty
}

// QuickLayout is a whole-disk target layout.
type QuickLayout struct {
	DiskIndex int
	Style     string // constants.MBR or constants.GPT
	ESPSizeMB uint64 // 0 = no ESP
	MSR       bool   // GPT only
	Parts     []PartSpec
}

// Validate checks the layout against the disk: sizes must fit, at most
// one ESP, MSR only on GPT, rest-of-disk only on the last entry.
func Validate(layout *QuickLayout, disk *types.PhysicalDisk) error {
	if layout.Style != constants.MBR && layout.Style != constants.GPT {
		return types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("unsupported partition style %q", layout.Style), nil)
	}
	if layout.MSR && layout.Style != constants.GPT {
		return types.NewEngineError(types.KindUserInput, "MSR requires a GPT disk", nil)
	}
	if layout.ESPSizeMB > 0 && layout.Style != constants.GPT {
		return types.NewEngineError(types.KindUserInput, "an ESP requires a GPT disk", nil)
	}
	if len(layout.Parts) == 0 {
		return types.NewEngineError(types.KindUserInput, "layout has no data partitions", nil)
	}

	diskMB := disk.SizeBytes / (1024 * 1024)
	var totalMB uint64 = layout.ESPSizeMB
	if layout.MSR {
		totalMB += 16
	}
	for i, p := range layout.Parts {
		if p.SizeMB == 0 && i != len(layout.Parts)-1 {
			return types.NewEngineError(types.KindUserInput,
				"only the last partition may take the remaining space", nil)
		}
		totalMB += p.SizeMB
	}
	if totalMB > diskMB {
		return types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("layout needs %d MB but disk %d has %d MB", totalMB, disk.Index, diskMB), nil)
	}
	return nil
}

// RefuseSystemDisk is the safety gate: any disk carrying the running
// system drive or a partition with a Windows installation is rejected for
// whole-disk operations.
func RefuseSystemDisk(disk *types.PhysicalDisk) error {
	for _, p := range disk.Partitions {
		if p.IsSystem {
			return types.NewEngineError(types.KindUserInput,
				fmt.Sprintf("disk %d holds the running system drive %s", disk.Index, p.Letter), nil)
		}
		if p.HasWindows {
			return types.NewEngineError(types.KindUserInput,
				fmt.Sprintf("disk %d partition %s contains a Windows installation", disk.Index, p.Letter), nil)
		}
	}
	return nil
}

// ComposeScript renders the diskpart script for a validated layout.
func ComposeScript(layout *QuickLayout) []string {
	lines := []string{
		fmt.Sprintf("select disk %d", layout.DiskIndex),
		"clean",
		fmt.Sprintf("convert %s", layout.Style),
	}
	if layout.ESPSizeMB > 0 {
		lines = append(lines,
			fmt.Sprintf("create partition efi size=%d", layout.ESPSizeMB),
			`format fs=fat32 quick label="EFI"`,
		)
	}
	if layout.MSR {
		lines = append(lines, "create partition msr size=16")
	}
	for _, p := range layout.Parts {
		if p.SizeMB > 0 {
			lines = append(lines, fmt.Sprintf("create partition primary size=%d", p.SizeMB))
		} else {
			lines = append(lines, "create partition primary")
		}
		fs := strings.ToLower(p.FS)
		if fs == "" {
			fs = "ntfs"
		}
		lines = append(lines, fmt.Sprintf("format fs=%s quick label=%q", fs, p.Label))
		if p.Letter != "" {
			lines = append(lines, fmt.Sprintf("assign letter=%s", strings.TrimSuffix(p.Letter, ":")))
		} else {
			lines = append(lines, "assign")
		}
	}
	lines = append(lines, "exit")
	return lines
}

// Execute validates against the live disk, applies the safety gate, and
// runs the composed script.
func Execute(cfg *config.Config, model *diskmodel.Model, layout *QuickLayout) error {
	disks, err := model.ListDisks()
	if err != nil {
		return err
	}
	var disk *types.PhysicalDisk
	for _, d := range disks {
		if d.Index == layout.DiskIndex {
			disk = d
			break
		}
	}
	if disk == nil {
		return types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("no disk with index %d", layout.DiskIndex), nil)
	}
	if err := RefuseSystemDisk(disk); err != nil {
		return err
	}
	if err := Validate(layout, disk); err != nil {
		return err
	}
	_, err = diskmodel.RunDiskpartScript(cfg, ComposeScript(layout))
	return err
}

// Resize shrinks or grows an existing mounted partition to newSizeMB.
// Refused on the running system drive: online-shrinking the volume that
// backs the page file mid-deployment is how installs die halfway.
func Resize(cfg *config.Config, part *types.Partition, newSizeMB uint64) error {
	if part.IsSystem {
		return types.NewEngineError(types.KindUserInput,
			"resizing the running system drive is not supported", nil)
	}
	if part.Letter == "" {
		return types.NewEngineError(types.KindUserInput,
			"resize requires a mounted partition", nil)
	}
	currentMB := part.TotalBytes / (1024 * 1024)
	lines := []string{fmt.Sprintf("select volume %s", strings.TrimSuffix(part.Letter, ":"))}
	switch {
	case newSizeMB < currentMB:
		lines = append(lines, fmt.Sprintf("shrink desired=%d", currentMB-newSizeMB))
	case newSizeMB > currentMB:
		lines = append(lines, fmt.Sprintf("extend size=%d", newSizeMB-currentMB))
	default:
		return nil
	}
	lines = append(lines, "exit")
	_, err := diskmodel.RunDiskpartScript(cfg, lines)
	return err
}

// HasWindowsDir reports whether a mounted partition carries a Windows
// system directory; used to flag partitions before the gate runs.
func HasWindowsDir(cfg *config.Config, letter string) bool {
	ok, _ := fsutils.Exists(cfg.Fs, fsutils.LetterRoot(letter)+`\Windows\System32`)
	return ok
}

// RecommendedStyle picks the partition style matching the firmware: GPT
// for UEFI, MBR for legacy BIOS.
func RecommendedStyle(useUEFI bool) string {
	if useUEFI {
		return constants.GPT
	}
	return constants.MBR
}

// QueryShrinkMax asks diskpart how many MB the volume can give up, the
// upper bound the resize UI offers for shrinking.
func QueryShrinkMax(cfg *config.Config, letter string) (uint64, error) {
	out, err := diskmodel.RunDiskpartScript(cfg, []string{
		fmt.Sprintf("select volume %s", strings.TrimSuffix(letter, ":")),
		"shrink querymax",
		"exit",
	})
	if err != nil {
		return 0, err
	}
	if mb, ok := ParseShrinkMax(out); ok {
		return mb, nil
	}
	return 0, types.NewEngineError(types.KindPartitioning,
		fmt.Sprintf("could not read reclaimable space for %s", letter), nil)
}

// ParseShrinkMax extracts the reclaimable size in MB from a localized
// "shrink querymax" report. The line wording varies by locale; the number
// plus its unit is the stable part.
func ParseShrinkMax(out string) (uint64, bool) {
	for _, line := range strings.Split(out, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "reclaimable") && !strings.Contains(lower, "maximum") &&
			!strings.Contains(line, "可回收") {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			n, err := strconv.ParseUint(strings.ReplaceAll(f, ",", ""), 10, 64)
			if err != nil {
				continue
			}
			if i+1 < len(fields) {
				switch unit := strings.ToUpper(fields[i+1]); {
				case strings.HasPrefix(unit, "G"):
					return n * 1024, true
				case strings.HasPrefix(unit, "M"):
					return n, true
				}
			}
			return n, true
		}
	}
	return 0, false
}

// UnallocatedAfter returns the MB of unallocated space immediately behind
// a partition, which is what an extend can absorb. Adjacent partitions
// (next offset == this end) mean zero.
func UnallocatedAfter(disk *types.PhysicalDisk, partitionNumber int) uint64 {
	var target *types.Partition
	for _, p := range disk.Partitions {
		if p.PartitionNumber == partitionNumber {
			target = p
			break
		}
	}
	if target == nil {
		return 0
	}
	end := target.OffsetBytes + target.TotalBytes

	nextStart := disk.SizeBytes
	for _, p := range disk.Partitions {
		if p.OffsetBytes >= end && p.OffsetBytes < nextStart {
			nextStart = p.OffsetBytes
		}
	}
	if nextStart <= end {
		return 0
	}
	return (nextStart - end) / (1024 * 1024)
}
