package advopts

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// RegOp is one registry write a toggle performs against the offline hives.
// Key paths use the {SYS}/{SOFT}/{DEF} placeholders resolved to the
// synthetic roots at apply time.
type RegOp struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
	Type  string `yaml:"type"` // dword | sz | expand_sz
	Data  string `yaml:"data"`
	DWord uint32 `yaml:"dword"`
}

// ToggleOps maps a toggle name to its registry writes.
type ToggleOps struct {
	Toggle string  `yaml:"toggle"`
	Ops    []RegOp `yaml:"ops"`
}

// catalogueYAML is the declarative half of the toggle catalogue: every
// transform that is purely a set of registry writes. Service-list fixes
// (ACPI/storage BSOD) expand programmatically below because they repeat
// one op across many services and both control sets.
const catalogueYAML = `
- toggle: disable_windows_update
  ops:
    - {key: '{SYS}\ControlSet001\Services\wuauserv', value: Start, type: dword, dword: 4}
    - {key: '{SYS}\ControlSet001\Services\UsoSvc', value: Start, type: dword, dword: 4}
    - {key: '{SOFT}\Policies\Microsoft\Windows\WindowsUpdate\AU', value: NoAutoUpdate, type: dword, dword: 1}
- toggle: disable_windows_defender
  ops:
    - {key: '{SOFT}\Policies\Microsoft\Windows Defender', value: DisableAntiSpyware, type: dword, dword: 1}
    - {key: '{SOFT}\Policies\Microsoft\Windows Defender\Real-Time Protection', value: DisableRealtimeMonitoring, type: dword, dword: 1}
    - {key: '{SYS}\ControlSet001\Services\WinDefend', value: Start, type: dword, dword: 4}
    - {key: '{SYS}\ControlSet001\Services\WdNisSvc', value: Start, type: dword, dword: 4}
    - {key: '{SYS}\ControlSet001\Services\SecurityHealthService', value: Start, type: dword, dword: 4}
- toggle: disable_reserved_storage
  ops:
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\ReserveManager', value: ShippedWithReserves, type: dword, dword: 0}
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\ReserveManager', value: PassedPolicy, type: dword, dword: 0}
- toggle: disable_uac
  ops:
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\Policies\System', value: EnableLUA, type: dword, dword: 0}
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\Policies\System', value: ConsentPromptBehaviorAdmin, type: dword, dword: 0}
- toggle: disable_device_encryption
  ops:
    - {key: '{SYS}\ControlSet001\Control\BitLocker', value: PreventDeviceEncryption, type: dword, dword: 1}
    - {key: '{SYS}\ControlSet001\Services\BDESVC', value: Start, type: dword, dword: 4}
- toggle: remove_shortcut_arrow
  ops:
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\Explorer\Shell Icons', value: '29', type: sz, data: '%SystemRoot%\System32\imageres.dll,197'}
- toggle: restore_classic_context_menu
  ops:
    - {key: '{DEF}\Software\Classes\CLSID\{86ca1aa0-34aa-4e8b-a509-50c905bae2a2}\InprocServer32', value: '', type: sz, data: ''}
    - {key: '{SOFT}\Classes\CLSID\{86ca1aa0-34aa-4e8b-a509-50c905bae2a2}\InprocServer32', value: '', type: sz, data: ''}
- toggle: bypass_nro
  ops:
    - {key: '{SOFT}\Microsoft\Windows\CurrentVersion\OOBE', value: BypassNRO, type: dword, dword: 1}
`

// acpiServices get Start=4 (disabled) to stop the Win7 power-management
// drivers that triple-fault newer CPUs.
var acpiServices = []string{"intelppm", "amdppm", "Processor"}

// storageBootServices get Start=0 (boot) so a Win7 image moved onto a
// controller it was not installed behind still finds its boot driver.
var storageBootServices = []string{
	"msahci", "storahci", "pciide", "intelide", "atapi",
	"iaStor", "iaStorV", "stornvme", "amd_sata", "amd_xata",
	"LSI_SAS", "LSI_SAS2", "megasas", "megasr", "nvraid",
	"nvstor", "vhdmp",
}

var controlSets = []string{"ControlSet001", "ControlSet002"}

var catalogue []ToggleOps

func init() {
	if err := yaml.Unmarshal([]byte(catalogueYAML), &catalogue); err != nil {
		panic("advopts: bad built-in catalogue: " + err.Error())
	}
	catalogue = append(catalogue,
		ToggleOps{Toggle: "win7_fix_acpi_bsod", Ops: serviceStartOps(acpiServices, 4)},
		ToggleOps{Toggle: "win7_fix_storage_bsod", Ops: serviceStartOps(storageBootServices, 0)},
	)
}

func serviceStartOps(services []string, start uint32) []RegOp {
	var ops []RegOp
	for _, cs := range controlSets {
		for _, svc := range services {
			ops = append(ops, RegOp{
				Key:   `{SYS}\` + cs + `\Services\` + svc,
				Value: "Start",
				Type:  "dword",
				DWord: start,
			})
		}
	}
	return ops
}

// Catalogue returns the full toggle table, placeholder keys unresolved.
func Catalogue() []ToggleOps {
	return catalogue
}

// resolveKey substitutes the synthetic hive roots into a catalogue key.
func resolveKey(key string) string {
	r := strings.NewReplacer(
		"{SYS}", constants.SynthSystemRoot,
		"{SOFT}", constants.SynthSoftwareRoot,
		"{DEF}", constants.SynthDefaultRoot,
	)
	return r.Replace(key)
}

// enabledToggles lists the catalogue toggles opts switches on.
func enabledToggles(opts *types.AdvancedOptions) map[string]bool {
	return map[string]bool{
		"disable_windows_update":       opts.DisableWindowsUpdate,
		"disable_windows_defender":     opts.DisableWindowsDefender,
		"disable_reserved_storage":     opts.DisableReservedStorage,
		"disable_uac":                  opts.DisableUAC,
		"disable_device_encryption":    opts.DisableDeviceEncryption,
		"remove_shortcut_arrow":        opts.RemoveShortcutArrow,
		"restore_classic_context_menu": opts.RestoreClassicContextMenu,
		"bypass_nro":                   opts.BypassNRO,
		"win7_fix_acpi_bsod":           opts.Win7FixACPIBsod,
		"win7_fix_storage_bsod":        opts.Win7FixStorageBsod,
	}
}
