package diskmodel

import (
	"strings"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// MBR partition type bytes this engine recognizes.
const (
	mbrTypeEFI       byte = 0xEF
	mbrTypeWinRE     byte = 0x27
	mbrTypeNTFS      byte = 0x07
	mbrTypeFat32     byte = 0x0B
	mbrTypeFat32LBA  byte = 0x0C
	mbrTypeExtended  byte = 0x05
	mbrTypeExtendedL byte = 0x0F
)

// applyTableClassification sets the ESP/MSR/recovery flags on part from the
// raw table entry. GPT type GUIDs are compared case-insensitively but
// byte-exact in content; recovery detection on basic-data partitions falls
// back to the partition name, matching how Windows itself labels WinRE.
func applyTableClassification(part *types.Partition, style string, entry tableEntry) {
	switch style {
	case constants.GPT:
		guid := strings.ToUpper(strings.Trim(entry.TypeGUID, "{}"))
		switch guid {
		case constants.GPTTypeESP:
			part.IsESP = true
		case constants.GPTTypeMSR:
			part.IsMSR = true
		case constants.GPTTypeWinRE:
			part.IsRecovery = true
		case constants.GPTTypeBasicData:
			if looksLikeRecoveryName(entry.Name) {
				part.IsRecovery = true
			}
		}
	case constants.MBR:
		switch entry.MBRType {
		case mbrTypeEFI:
			part.IsESP = true
		case mbrTypeWinRE:
			part.IsRecovery = true
		}
	}
}

func looksLikeRecoveryName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range []string{"recovery", "winre", "windows re"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// MatchLetterByOffset resolves which partition a drive letter belongs to by
// comparing the letter's volume starting offset against the table entries,
// within a 1 MB tolerance: the volume offset Windows reports can differ
// from the table offset by the hidden-sector gap.
func MatchLetterByOffset(letterOffset uint64, parts []*types.Partition) *types.Partition {
	for _, p := range parts {
		var diff uint64
		if p.OffsetBytes > letterOffset {
			diff = p.OffsetBytes - letterOffset
		} else {
			diff = letterOffset - p.OffsetBytes
		}
		if diff <= constants.DriveLetterOffsetTolerance {
			return p
		}
	}
	return nil
}
