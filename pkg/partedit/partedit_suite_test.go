package partedit

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

func TestParteditSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quick-partition suite")
}

func terabyteDisk() *types.PhysicalDisk {
	return &types.PhysicalDisk{Index: 1, SizeBytes: 1 << 40}
}

var _ = Describe("Validate", Label("partedit"), func() {
	It("accepts an ESP + two data partitions on a 1 TB GPT disk", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.GPT,
			ESPSizeMB: 500,
			MSR:       true,
			Parts: []PartSpec{
				{SizeMB: 500 * 1024, Label: "Data"},
				{SizeMB: 0, Label: "Media"},
			},
		}
		Expect(Validate(layout, terabyteDisk())).To(Succeed())
	})

	It("rejects sizes exceeding the disk", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.GPT,
			Parts:     []PartSpec{{SizeMB: 2 << 20, Label: "TooBig"}},
		}
		Expect(Validate(layout, terabyteDisk())).NotTo(Succeed())
	})

	It("rejects an MSR on an MBR disk", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.MBR,
			MSR:       true,
			Parts:     []PartSpec{{SizeMB: 1024, Label: "Data"}},
		}
		Expect(Validate(layout, terabyteDisk())).NotTo(Succeed())
	})

	It("rejects rest-of-disk anywhere but last", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.GPT,
			Parts: []PartSpec{
				{SizeMB: 0, Label: "Rest"},
				{SizeMB: 1024, Label: "After"},
			},
		}
		Expect(Validate(layout, terabyteDisk())).NotTo(Succeed())
	})
})

var _ = Describe("RefuseSystemDisk", Label("partedit"), func() {
	It("rejects a disk with the running system drive", func() {
		disk := &types.PhysicalDisk{Partitions: []*types.Partition{{Letter: "C:", IsSystem: true}}}
		Expect(RefuseSystemDisk(disk)).NotTo(Succeed())
	})

	It("rejects a disk with any Windows installation", func() {
		disk := &types.PhysicalDisk{Partitions: []*types.Partition{{Letter: "E:", HasWindows: true}}}
		Expect(RefuseSystemDisk(disk)).NotTo(Succeed())
	})

	It("accepts a plain data disk", func() {
		disk := &types.PhysicalDisk{Partitions: []*types.Partition{{Letter: "E:"}}}
		Expect(RefuseSystemDisk(disk)).To(Succeed())
	})
})

var _ = Describe("ComposeScript", Label("partedit"), func() {
	It("renders clean/convert/create/format/assign in order", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.GPT,
			ESPSizeMB: 500,
			MSR:       true,
			Parts: []PartSpec{
				{SizeMB: 500 * 1024, Label: "Data", Letter: "D:"},
				{SizeMB: 0, Label: "Media"},
			},
		}
		script := strings.Join(ComposeScript(layout), "\n")

		Expect(script).To(ContainSubstring("select disk 1"))
		Expect(script).To(ContainSubstring("clean"))
		Expect(script).To(ContainSubstring("convert gpt"))
		Expect(script).To(ContainSubstring("create partition efi size=500"))
		Expect(script).To(ContainSubstring(`format fs=fat32 quick label="EFI"`))
		Expect(script).To(ContainSubstring("create partition msr size=16"))
		Expect(script).To(ContainSubstring("create partition primary size=512000"))
		Expect(script).To(ContainSubstring(`format fs=ntfs quick label="Data"`))
		Expect(script).To(ContainSubstring("assign letter=D"))
		// last partition takes the remainder and is auto-assigned
		Expect(script).To(ContainSubstring("create partition primary\n"))
		Expect(strings.HasSuffix(script, "exit")).To(BeTrue())
	})

	It("keeps the layout's partition order with the ESP first", func() {
		layout := &QuickLayout{
			DiskIndex: 1,
			Style:     constants.GPT,
			ESPSizeMB: 500,
			Parts:     []PartSpec{{SizeMB: 1024, Label: "A"}, {SizeMB: 0, Label: "B"}},
		}
		lines := ComposeScript(layout)
		espIdx, dataIdx := -1, -1
		for i, l := range lines {
			if strings.Contains(l, "create partition efi") && espIdx == -1 {
				espIdx = i
			}
			if strings.Contains(l, "create partition primary") && dataIdx == -1 {
				dataIdx = i
			}
		}
		Expect(espIdx).To(BeNumerically("<", dataIdx))
	})

	It("covers at least 999.5 GB on the 1 TB example layout", func() {
		// ESP 500 MB + 500 GB + remainder: everything except the explicit
		// sizes is absorbed by the last partition.
		var explicitMB uint64 = 500 + 500*1024
		diskMB := uint64(1<<40) / (1024 * 1024)
		remainder := diskMB - explicitMB
		totalGB := float64(explicitMB+remainder) / 1024
		Expect(totalGB).To(BeNumerically(">=", 999.5))
	})
})

var _ = Describe("Resize", Label("partedit"), func() {
	It("refuses the running system drive", func() {
		err := Resize(nil, &types.Partition{Letter: "C:", IsSystem: true}, 1024)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseShrinkMax", Label("partedit"), func() {
	It("parses the English report", func() {
		out := "DISKPART> shrink querymax\n\nThe maximum number of reclaimable bytes is:   51200 MB\n"
		mb, ok := ParseShrinkMax(out)
		Expect(ok).To(BeTrue())
		Expect(mb).To(Equal(uint64(51200)))
	})

	It("parses the Chinese report and GB units", func() {
		out := "可回收的最大字节数:  50 GB\n"
		mb, ok := ParseShrinkMax(out)
		Expect(ok).To(BeTrue())
		Expect(mb).To(Equal(uint64(50 * 1024)))
	})

	It("reports failure on unrelated output", func() {
		_, ok := ParseShrinkMax("DiskPart has encountered an error.\n")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("RecommendedStyle", Label("partedit"), func() {
	It("pairs GPT with UEFI and MBR with BIOS", func() {
		Expect(RecommendedStyle(true)).To(Equal(constants.GPT))
		Expect(RecommendedStyle(false)).To(Equal(constants.MBR))
	})
})

var _ = Describe("UnallocatedAfter", Label("partedit"), func() {
	disk := &types.PhysicalDisk{
		SizeBytes: 100 << 30,
		Partitions: []*types.Partition{
			{PartitionNumber: 1, OffsetBytes: 1 << 20, TotalBytes: 10 << 30},
			{PartitionNumber: 2, OffsetBytes: (1 << 20) + (10 << 30) + (5 << 30), TotalBytes: 20 << 30},
		},
	}

	It("measures the gap behind a partition", func() {
		Expect(UnallocatedAfter(disk, 1)).To(Equal(uint64(5 * 1024)))
	})

	It("reports the tail space for the last partition", func() {
		tail := uint64(100<<30-((1<<20)+(35<<30))) / (1024 * 1024)
		Expect(UnallocatedAfter(disk, 2)).To(Equal(tail))
	})

	It("returns zero for adjacent partitions and unknown numbers", func() {
		adjacent := &types.PhysicalDisk{
			SizeBytes: 10 << 30,
			Partitions: []*types.Partition{
				{PartitionNumber: 1, OffsetBytes: 0, TotalBytes: 5 << 30},
				{PartitionNumber: 2, OffsetBytes: 5 << 30, TotalBytes: 5 << 30},
			},
		}
		Expect(UnallocatedAfter(adjacent, 1)).To(BeZero())
		Expect(UnallocatedAfter(disk, 9)).To(BeZero())
	})
})
