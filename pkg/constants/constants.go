package constants

import "strings"

// Data-partition layout written by the host phase and consumed by PE.
const (
	DataDirName      = "LetRecovery"
	InstallConfig    = "install.json"
	BackupConfigFile = "backup.json"
	DriversDirName   = "drivers"
	UefiSevenDirName = "uefiseven"
	UefiSevenLoader  = "bootx64.efi"
	UefiSevenIni     = "UefiSeven.ini"

	InstallMarker = "LetRecovery_install.marker"
	BackupMarker  = "LetRecovery_backup.marker"

	ScriptsDirName  = "LetRecovery_Scripts"
	FirstLogonBat   = "firstlogon.bat"
	DeployBat       = "deploy.bat"
	RemoveUWPScript = "remove_uwp.ps1"
	UsernameFile    = "username.txt"
	VolumeLabelFile = "volume_label.txt"

	SaveDriversDirName = "LetRecovery_Drivers"

	DeployStateFile = "deploystate.json"
)

// Synthetic registry roots used while a target hive is loaded offline.
const (
	SynthSoftwareRoot = "LETR_SOFTWARE"
	SynthSystemRoot   = "LETR_SYSTEM"
	SynthDefaultRoot  = "LETR_DEFAULT_USER"
)

// Partition table styles.
const (
	MBR     = "mbr"
	GPT     = "gpt"
	Unknown = "unknown"
)

// Windows major.minor families detected from ntdll.dll.
const (
	WinFamily7  = "win7"
	WinFamily8  = "win8"
	WinFamily10 = "win10"
)

// Architectures, as named in unattend's processorArchitecture attribute.
const (
	ArchX86   = "x86"
	ArchAmd64 = "amd64"
	ArchArm64 = "arm64"
)

// Default external tool binaries. Overridable through Config for testing.
const (
	ToolDiskpart  = "diskpart.exe"
	ToolBcdboot   = "bcdboot.exe"
	ToolBcdedit   = "bcdedit.exe"
	ToolMountvol  = "mountvol.exe"
	ToolManageBde = "manage-bde.exe"
	ToolDism      = "Dism.exe"
	ToolReg       = "reg.exe"
	ToolExpand    = "expand.exe"
	ToolGhost     = "ghost.exe"
	ToolGhost32   = "ghost32.exe"
)

// Candidate locations to scan for a pre-existing unattend.xml before deciding
// whether OOBE-bypass options are safe to apply.
func ExistingUnattendCandidates(systemRoot string) []string {
	join := func(parts ...string) string {
		return strings.Join(append([]string{strings.TrimSuffix(systemRoot, `\`)}, parts...), `\`)
	}
	return []string{
		join(`Windows`, `Panther`, `unattend.xml`),
		join(`Windows`, `Panther`, `Unattend.xml`),
		join(`Windows`, `Panther`, `Unattend`, `unattend.xml`),
		join(`Windows`, `System32`, `Sysprep`, `unattend.xml`),
		join(`Windows`, `System32`, `Sysprep`, `Panther`, `unattend.xml`),
		join(`unattend.xml`),
		join(`Unattend.xml`),
		join(`autounattend.xml`),
		join(`Windows`, `Setup`, `Scripts`, `unattend.xml`),
		join(`OEM`, `unattend.xml`),
		join(`Windows`, `Panther`, `setupact.log`), // presence checked only for diagnostics, never parsed as unattend
	}
}

// BitLocker shell-tool (manage-bde) error codes.
const (
	FVEBadPassword       = 0x80310027
	FVEBadRecoveryKey    = 0x80310028
	FVENotEncrypted      = 0x80310020
	FVENotBitLockerVol   = 0x80310001
	FVEVolumeLockedError = 0x80310002
)

// DefaultUsername is used for the local administrator account when the
// operator does not override it.
const DefaultUsername = "User"

// GUIDs of the well-known Windows GPT partition types, compared
// byte-exact during classification.
const (
	GPTTypeESP   = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	GPTTypeMSR   = "E3C9E316-0B5C-4DB8-817D-F92DF00215AE"
	GPTTypeWinRE = "DE94BBA4-06D1-4D40-A16A-BFD50179D6AC"
	// Windows basic data partition type; recovery partitions reuse this GUID
	// and are distinguished by the GPT_BASIC_DATA_ATTRIBUTE_NO_DRIVE_LETTER
	// attribute plus name/size heuristics.
	GPTTypeBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// DriveLetterOffsetTolerance is the byte tolerance used when matching a
// drive letter's starting offset to a partition table entry.
const DriveLetterOffsetTolerance = 1024 * 1024

// BitLockerPollInterval and BitLockerWaitTimeout implement the
// wait-for-unlock-complete polling.
const (
	BitLockerPollInterval = 500 // milliseconds
	BitLockerWaitTimeout  = 5 * 60
)

// DecryptionPollInterval is the cadence the decryption-wait monitor
// uses; it doubles as the settle delay before the first reading, which
// otherwise still reports 100% encrypted.
const DecryptionPollInterval = 2 // seconds
