package unattend

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	peparser "github.com/saferwall/pe"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// TargetInfo is what the generator needs to know about the offline system:
// which Windows family it is and what the CPU architecture is, both read
// out of the target's own ntdll.dll rather than trusted from image
// metadata.
type TargetInfo struct {
	Family  string // constants.WinFamily*
	Arch    string // constants.Arch*
	Version *semver.Version
}

// DetectTarget inspects <targetRoot>\Windows\System32\ntdll.dll.
func DetectTarget(cfg *config.Config, targetRoot string) (*TargetInfo, error) {
	ntdll := filepath.Join(fsutils.LetterRoot(targetRoot), "Windows", "System32", "ntdll.dll")
	raw, err := cfg.Fs.ReadFile(ntdll)
	if err != nil {
		return nil, types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("reading %s", ntdll), err)
	}

	major, minor, build, err := fileVersionOf(raw)
	if err != nil {
		return nil, types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("no version resource in %s", ntdll), err)
	}
	version, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, build))
	if err != nil {
		return nil, types.NewEngineError(types.KindInternal, "building target version", err)
	}

	arch, err := architectureOf(cfg, ntdll, raw)
	if err != nil {
		return nil, err
	}

	return &TargetInfo{
		Family:  familyOf(version),
		Arch:    arch,
		Version: version,
	}, nil
}

var (
	win10Range = mustConstraint(">= 10.0.0")
	win8Range  = mustConstraint(">= 6.2.0, < 6.4.0")
	win7Range  = mustConstraint(">= 6.1.0, < 6.2.0")
)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

func familyOf(v *semver.Version) string {
	switch {
	case win10Range.Check(v):
		return constants.WinFamily10
	case win8Range.Check(v):
		return constants.WinFamily8
	case win7Range.Check(v):
		return constants.WinFamily7
	default:
		// Older than 7 is not deployable by this engine; treat as 7 so the
		// most conservative unattend shape is emitted.
		return constants.WinFamily7
	}
}

// fixedFileInfoSignature marks the VS_FIXEDFILEINFO block inside the
// version resource.
const fixedFileInfoSignature = 0xFEEF04BD

// fileVersionOf scans the raw image for the fixed version block and
// returns (major, minor, build). Scanning beats walking the resource
// directory: the block's signature is unique and the surrounding structure
// varies across toolchains.
func fileVersionOf(raw []byte) (int, int, int, error) {
	for i := 0; i+16 <= len(raw); i += 4 {
		if binary.LittleEndian.Uint32(raw[i:]) != fixedFileInfoSignature {
			continue
		}
		// dwSignature, dwStrucVersion, dwFileVersionMS, dwFileVersionLS
		ms := binary.LittleEndian.Uint32(raw[i+8:])
		ls := binary.LittleEndian.Uint32(raw[i+12:])
		major := int(ms >> 16)
		minor := int(ms & 0xFFFF)
		build := int(ls >> 16)
		if major == 0 {
			continue
		}
		return major, minor, build, nil
	}
	return 0, 0, 0, fmt.Errorf("version signature not found")
}

// architectureOf reads the PE header machine field. The full parser is
// authoritative; the raw fallback covers trimmed files the parser rejects.
func architectureOf(cfg *config.Config, path string, raw []byte) (string, error) {
	if real, err := cfg.Fs.RawPath(path); err == nil {
		if f, err := peparser.New(real, &peparser.Options{}); err == nil {
			if err := f.Parse(); err == nil {
				if arch := machineToArch(uint16(f.NtHeader.FileHeader.Machine)); arch != "" {
					f.Close()
					return arch, nil
				}
			}
			f.Close()
		}
	}

	machine, err := rawMachineField(raw)
	if err != nil {
		return "", types.NewEngineError(types.KindEnvironment, "reading PE machine field", err)
	}
	arch := machineToArch(machine)
	if arch == "" {
		return "", types.NewEngineError(types.KindEnvironment,
			fmt.Sprintf("unsupported machine type 0x%04X", machine), nil)
	}
	return arch, nil
}

func machineToArch(machine uint16) string {
	switch machine {
	case 0x014C:
		return constants.ArchX86
	case 0x8664:
		return constants.ArchAmd64
	case 0xAA64:
		return constants.ArchArm64
	default:
		return ""
	}
}

// rawMachineField follows e_lfanew to the COFF header.
func rawMachineField(raw []byte) (uint16, error) {
	if len(raw) < 0x40 || raw[0] != 'M' || raw[1] != 'Z' {
		return 0, fmt.Errorf("not a PE image")
	}
	peOff := int(binary.LittleEndian.Uint32(raw[0x3C:]))
	if peOff+6 > len(raw) {
		return 0, fmt.Errorf("truncated PE image")
	}
	if raw[peOff] != 'P' || raw[peOff+1] != 'E' || raw[peOff+2] != 0 || raw[peOff+3] != 0 {
		return 0, fmt.Errorf("missing PE signature")
	}
	return binary.LittleEndian.Uint16(raw[peOff+4:]), nil
}
