// Package diskmodel enumerates physical disks and their partitions:
// jaypipes/ghw's block package for disk/partition enumeration,
// diskfs/go-diskfs to parse the GPT/MBR table directly where ghw's
// metadata is incomplete, and a WMI query to resolve which drive letter
// a partition actually mounts as.
package diskmodel

import (
	"fmt"
	"sort"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/jaypipes/ghw"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// Enumerator discovers the disks and partitions visible to this machine:
// one call, no per-disk setup required by the caller.
type Enumerator interface {
	ListDisks() ([]*types.PhysicalDisk, error)
	TableStyle(diskPath string) (string, error)
}

// DriveLetterResolver maps a disk/partition pair to the Windows drive
// letter it is currently mounted as, or "" if unmounted. Extracted as an
// interface so tests substitute a table instead of issuing a WMI query.
type DriveLetterResolver interface {
	DriveLetterFor(diskIndex, partitionIndex int) (string, error)
}

type ghwEnumerator struct {
	letterResolver DriveLetterResolver
}

func NewEnumerator(resolver DriveLetterResolver) Enumerator {
	return &ghwEnumerator{letterResolver: resolver}
}

// tableEntry is the slice of a raw partition-table record this package
// cares about: where the partition starts, how big it is, and the type
// information that classifies it.
type tableEntry struct {
	Offset   uint64
	Size     uint64
	TypeGUID string // GPT only
	Name     string // GPT only
	MBRType  byte   // MBR only
}

// ListDisks enumerates every physical disk, merging ghw's view (model,
// size, partition sizes as Windows reports them) with the raw table parse
// (offsets and type GUIDs, which ghw does not surface on Windows).
func (e *ghwEnumerator) ListDisks() ([]*types.PhysicalDisk, error) {
	block, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("diskmodel: enumerating block devices: %w", err)
	}

	var disks []*types.PhysicalDisk
	for i, d := range block.Disks {
		path := fmt.Sprintf(`\\.\PhysicalDrive%d`, i)

		style, entries, err := e.readTable(path)
		if err != nil {
			style = constants.Unknown
		}

		pd := &types.PhysicalDisk{
			Index:       i,
			Model:       d.Model,
			SizeBytes:   d.SizeBytes,
			TableStyle:  style,
			Initialized: style != constants.Unknown,
		}

		for j, p := range d.Partitions {
			part := &types.Partition{
				DiskNumber:      i,
				PartitionNumber: j,
				TotalBytes:      p.SizeBytes,
				FileSystem:      string(p.Type),
				Label:           p.Label,
				TableStyle:      style,
			}
			if j < len(entries) {
				part.OffsetBytes = entries[j].Offset
				if part.TotalBytes == 0 {
					part.TotalBytes = entries[j].Size
				}
				applyTableClassification(part, style, entries[j])
			}
			if e.letterResolver != nil {
				if letter, err := e.letterResolver.DriveLetterFor(i, j); err == nil {
					part.Letter = letter
				}
			}
			pd.Partitions = append(pd.Partitions, part)
		}

		sortPartitionsByOffset(pd.Partitions)
		pd.UnallocatedDiff = pd.Unallocated()
		disks = append(disks, pd)
	}

	return disks, nil
}

// TableStyle opens the raw disk and inspects it for a GPT or MBR partition
// table, used to gate destructive repartitioning operations (pkg/partedit
// refuses to act on a disk whose style it cannot positively identify).
func (e *ghwEnumerator) TableStyle(diskPath string) (string, error) {
	style, _, err := e.readTable(diskPath)
	return style, err
}

func (e *ghwEnumerator) readTable(diskPath string) (string, []tableEntry, error) {
	disk, err := diskfs.Open(diskPath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return constants.Unknown, nil, err
	}
	defer disk.Close() //nolint:errcheck

	table, err := disk.GetPartitionTable()
	if err != nil {
		return constants.Unknown, nil, err
	}
	return classifyTable(table), tableEntriesOf(table), nil
}

// classifyTable maps a parsed partition.Table to this package's table-style
// constant; split out from TableStyle so the classification itself is
// testable without opening a real block device.
func classifyTable(table partition.Table) string {
	switch table.(type) {
	case *gpt.Table:
		return constants.GPT
	case *mbr.Table:
		return constants.MBR
	default:
		return constants.Unknown
	}
}

func tableEntriesOf(table partition.Table) []tableEntry {
	var entries []tableEntry
	switch t := table.(type) {
	case *gpt.Table:
		sectorSize := uint64(t.LogicalSectorSize)
		if sectorSize == 0 {
			sectorSize = 512
		}
		for _, p := range t.Partitions {
			if p == nil || (p.Start == 0 && p.End == 0) {
				continue
			}
			entries = append(entries, tableEntry{
				Offset:   p.Start * sectorSize,
				Size:     (p.End - p.Start + 1) * sectorSize,
				TypeGUID: string(p.Type),
				Name:     p.Name,
			})
		}
	case *mbr.Table:
		sectorSize := uint64(t.LogicalSectorSize)
		if sectorSize == 0 {
			sectorSize = 512
		}
		for _, p := range t.Partitions {
			if p == nil || p.Size == 0 {
				continue
			}
			entries = append(entries, tableEntry{
				Offset:  uint64(p.Start) * sectorSize,
				Size:    uint64(p.Size) * sectorSize,
				MBRType: byte(p.Type),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries
}

func sortPartitionsByOffset(parts []*types.Partition) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].OffsetBytes < parts[j].OffsetBytes })
}
