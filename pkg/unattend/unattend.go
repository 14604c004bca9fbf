// Package unattend emits the version-adapted answer file that makes
// the freshly applied image boot straight to a desktop: OOBE pages hidden
// per Windows family, one local administrator account, a one-shot
// auto-logon and the first-logon command chain that runs and then removes
// the staged scripts.
package unattend

import (
	"bytes"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/types"
)

// Options selects what the generated unattend contains. The zero value
// plus a TargetInfo produces a valid minimal answer file.
type Options struct {
	Username            string // empty -> constants.DefaultUsername
	RemoveUWP           bool   // only honored on the win10 family
	HasFirstLogonScript bool   // stage ran a firstlogon.bat into the scripts dir
}

// templateData is what the XML template consumes; derived, not exported.
type templateData struct {
	Arch          string
	Username      string
	Win7          bool
	Win8          bool
	Win10         bool
	RemoveUWP     bool
	FirstLogonBat bool
	ScriptsDir    string
}

var unattendTemplate = template.Must(template.New("unattend").Funcs(sprig.FuncMap()).Parse(
	`<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
    <settings pass="specialize">
        <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
            <ComputerName>*</ComputerName>
        </component>
    </settings>
    <settings pass="oobeSystem">
        <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="{{ .Arch }}" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS">
            <OOBE>
                <HideEULAPage>true</HideEULAPage>
{{- if or .Win8 .Win10 }}
                <HideLocalAccountScreen>true</HideLocalAccountScreen>
{{- end }}
{{- if .Win10 }}
                <HideOnlineAccountScreens>true</HideOnlineAccountScreens>
                <HideWirelessSetupInOOBE>true</HideWirelessSetupInOOBE>
                <SkipMachineOOBE>true</SkipMachineOOBE>
                <SkipUserOOBE>true</SkipUserOOBE>
{{- else }}
                <NetworkLocation>Home</NetworkLocation>
{{- end }}
                <ProtectYourPC>3</ProtectYourPC>
            </OOBE>
            <UserAccounts>
                <LocalAccounts>
                    <LocalAccount wcm:action="add">
                        <Name>{{ .Username }}</Name>
                        <Group>Administrators</Group>
                        <Password>
                            <Value></Value>
                            <PlainText>true</PlainText>
                        </Password>
                    </LocalAccount>
                </LocalAccounts>
            </UserAccounts>
            <AutoLogon>
                <Enabled>true</Enabled>
                <LogonCount>1</LogonCount>
                <Username>{{ .Username }}</Username>
                <Password>
                    <Value></Value>
                    <PlainText>true</PlainText>
                </Password>
            </AutoLogon>
            <FirstLogonCommands>
{{- $order := 1 }}
{{- if .FirstLogonBat }}
                <SynchronousCommand wcm:action="add">
                    <Order>{{ $order }}</Order>
                    <CommandLine>cmd /c {{ .ScriptsDir }}\firstlogon.bat</CommandLine>
                    <RequiresUserInput>false</RequiresUserInput>
                </SynchronousCommand>
{{- $order = add $order 1 }}
{{- end }}
{{- if and .RemoveUWP .Win10 }}
                <SynchronousCommand wcm:action="add">
                    <Order>{{ $order }}</Order>
                    <CommandLine>powershell -ExecutionPolicy Bypass -NoProfile -File {{ .ScriptsDir }}\remove_uwp.ps1</CommandLine>
                    <RequiresUserInput>false</RequiresUserInput>
                </SynchronousCommand>
{{- $order = add $order 1 }}
{{- end }}
                <SynchronousCommand wcm:action="add">
                    <Order>{{ $order }}</Order>
                    <CommandLine>cmd /c rd /s /q {{ .ScriptsDir }}</CommandLine>
                    <RequiresUserInput>false</RequiresUserInput>
                </SynchronousCommand>
            </FirstLogonCommands>
        </component>
    </settings>
</unattend>
`))

// Generate renders the answer file for target. The same (target, opts)
// pair always renders byte-identical output.
func Generate(target *TargetInfo, opts Options) ([]byte, error) {
	username := opts.Username
	if username == "" {
		username = constants.DefaultUsername
	}
	data := templateData{
		Arch:          target.Arch,
		Username:      username,
		Win7:          target.Family == constants.WinFamily7,
		Win8:          target.Family == constants.WinFamily8,
		Win10:         target.Family == constants.WinFamily10,
		RemoveUWP:     opts.RemoveUWP,
		FirstLogonBat: opts.HasFirstLogonScript,
		ScriptsDir:    `%SystemDrive%\` + constants.ScriptsDirName,
	}
	var buf bytes.Buffer
	if err := unattendTemplate.Execute(&buf, data); err != nil {
		return nil, types.NewEngineError(types.KindInternal, "rendering unattend", err)
	}
	return buf.Bytes(), nil
}

// Write places the rendered answer file where setup looks for it: always
// under \Windows\Panther, and additionally under \Windows\System32\Sysprep
// when that directory exists. Both copies are identical.
func Write(cfg *config.Config, targetRoot string, xml []byte) error {
	root := fsutils.LetterRoot(targetRoot)

	pantherDir := filepath.Join(root, "Windows", "Panther")
	if err := fsutils.MkdirAll(cfg.Fs, pantherDir, fsutils.DirPerm); err != nil {
		return types.NewEngineError(types.KindIo, "creating Panther directory", err)
	}
	if err := cfg.Fs.WriteFile(filepath.Join(pantherDir, "unattend.xml"), xml, fsutils.FilePerm); err != nil {
		return types.NewEngineError(types.KindIo, "writing Panther unattend.xml", err)
	}

	sysprepDir := filepath.Join(root, "Windows", "System32", "Sysprep")
	if ok, _ := fsutils.IsDir(cfg.Fs, sysprepDir); ok {
		if err := cfg.Fs.WriteFile(filepath.Join(sysprepDir, "unattend.xml"), xml, fsutils.FilePerm); err != nil {
			return types.NewEngineError(types.KindIo, "writing Sysprep unattend.xml", err)
		}
	}
	return nil
}

// ScanExisting looks for an answer file a previous owner of the target
// left behind. When one exists and the user is not formatting, the
// unattend-dependent toggles must be disabled: two answer files fight each
// other and setup honors an unpredictable one.
func ScanExisting(cfg *config.Config, targetRoot string) (string, bool) {
	for _, candidate := range constants.ExistingUnattendCandidates(fsutils.LetterRoot(targetRoot)) {
		if strings.HasSuffix(candidate, ".log") {
			continue
		}
		path := candidate
		if filepath.Separator == '/' {
			path = strings.ReplaceAll(candidate, `\`, "/")
		}
		if ok, _ := fsutils.Exists(cfg.Fs, path); ok {
			return candidate, true
		}
	}
	return "", false
}
