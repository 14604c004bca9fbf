package diskmodel

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

func TestDiskmodelSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Diskmodel suite")
}

var _ = Describe("applyTableClassification", Label("diskmodel"), func() {
	It("flags the ESP by its GPT type GUID", func() {
		p := &types.Partition{}
		applyTableClassification(p, constants.GPT, tableEntry{TypeGUID: constants.GPTTypeESP})
		Expect(p.IsESP).To(BeTrue())
		Expect(p.IsMSR).To(BeFalse())
	})

	It("flags the MSR by its GPT type GUID, case-insensitively", func() {
		p := &types.Partition{}
		applyTableClassification(p, constants.GPT, tableEntry{TypeGUID: "e3c9e316-0b5c-4db8-817d-f92df00215ae"})
		Expect(p.IsMSR).To(BeTrue())
	})

	It("flags a WinRE partition by the recovery type GUID", func() {
		p := &types.Partition{}
		applyTableClassification(p, constants.GPT, tableEntry{TypeGUID: constants.GPTTypeWinRE})
		Expect(p.IsRecovery).To(BeTrue())
	})

	It("flags a basic-data partition named Recovery", func() {
		p := &types.Partition{}
		applyTableClassification(p, constants.GPT, tableEntry{TypeGUID: constants.GPTTypeBasicData, Name: "Windows RE tools"})
		Expect(p.IsRecovery).To(BeTrue())
	})

	It("flags an MBR EFI type byte", func() {
		p := &types.Partition{}
		applyTableClassification(p, constants.MBR, tableEntry{MBRType: 0xEF})
		Expect(p.IsESP).To(BeTrue())
	})
})

var _ = Describe("MatchLetterByOffset", Label("diskmodel"), func() {
	parts := []*types.Partition{
		{Letter: "", OffsetBytes: 1024 * 1024},
		{Letter: "", OffsetBytes: 500 * 1024 * 1024},
	}

	It("matches within the 1 MB tolerance", func() {
		Expect(MatchLetterByOffset(500*1024*1024+512*1024, parts)).To(Equal(parts[1]))
	})

	It("returns nil beyond the tolerance", func() {
		Expect(MatchLetterByOffset(900*1024*1024, parts)).To(BeNil())
	})
})

var _ = Describe("PhysicalDisk accounting", Label("diskmodel"), func() {
	It("reports unallocated == size for an empty disk", func() {
		d := &types.PhysicalDisk{SizeBytes: 1 << 40}
		Expect(d.AllocatedBytes()).To(BeZero())
		Expect(d.Unallocated()).To(Equal(uint64(1 << 40)))
	})

	It("keeps partition offsets strictly increasing after sorting", func() {
		parts := []*types.Partition{
			{OffsetBytes: 300}, {OffsetBytes: 100}, {OffsetBytes: 200},
		}
		sortPartitionsByOffset(parts)
		for i := 1; i < len(parts); i++ {
			Expect(parts[i].OffsetBytes).To(BeNumerically(">", parts[i-1].OffsetBytes))
		}
	})
})

var _ = Describe("usableDataPartition", Label("diskmodel"), func() {
	base := func() *types.Partition {
		return &types.Partition{Letter: "E:", FileSystem: "NTFS", FreeBytes: 8 << 30}
	}

	It("accepts a plain NTFS data partition with room", func() {
		Expect(usableDataPartition(base(), "C:", 4<<30)).To(BeTrue())
	})

	It("rejects the excluded target letter", func() {
		Expect(usableDataPartition(base(), "E:", 4<<30)).To(BeFalse())
	})

	It("rejects a locked BitLocker volume", func() {
		p := base()
		p.BitLocker = types.EncryptedLocked
		Expect(usableDataPartition(p, "C:", 4<<30)).To(BeFalse())
	})

	It("rejects ESP/MSR/recovery and system partitions", func() {
		for _, mutate := range []func(*types.Partition){
			func(p *types.Partition) { p.IsESP = true },
			func(p *types.Partition) { p.IsMSR = true },
			func(p *types.Partition) { p.IsRecovery = true },
			func(p *types.Partition) { p.IsSystem = true },
		} {
			p := base()
			mutate(p)
			Expect(usableDataPartition(p, "C:", 4<<30)).To(BeFalse())
		}
	})

	It("rejects a partition without enough free space", func() {
		p := base()
		p.FreeBytes = 1 << 30
		Expect(usableDataPartition(p, "C:", 4<<30)).To(BeFalse())
	})
})
