package offlinereg

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/runner"
	"github.com/letrecovery/deployengine/pkg/types"
)

// RewriteRegRoots redirects a .reg file's root keys at the offline target's
// synthetic hives: HKLM\SOFTWARE and HKLM\SYSTEM move under their loaded
// synthetic names, and HKCU lands in the mounted Default-user hive so the
// value applies to the first created account.
func RewriteRegRoots(content string) string {
	replacer := strings.NewReplacer(
		`[HKEY_LOCAL_MACHINE\SOFTWARE`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSoftwareRoot,
		`[HKEY_LOCAL_MACHINE\Software`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSoftwareRoot,
		`[HKEY_LOCAL_MACHINE\SYSTEM`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSystemRoot,
		`[HKEY_LOCAL_MACHINE\System`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSystemRoot,
		`[HKLM\SOFTWARE`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSoftwareRoot,
		`[HKLM\SYSTEM`, `[HKEY_LOCAL_MACHINE\`+constants.SynthSystemRoot,
		`[HKEY_CURRENT_USER`, `[HKEY_LOCAL_MACHINE\`+constants.SynthDefaultRoot,
		`[HKCU`, `[HKEY_LOCAL_MACHINE\`+constants.SynthDefaultRoot,
	)
	return replacer.Replace(content)
}

// validateRegFile runs a light syntax pass so a malformed file is rejected
// with its line number instead of an opaque reg.exe failure. It only checks
// line shape, not value payloads; reg.exe remains the authority.
func validateRegFile(content string) error {
	lines := strings.Split(content, "\n")
	headerSeen := false
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if !headerSeen {
			if !strings.HasPrefix(line, "Windows Registry Editor") && !strings.EqualFold(line, "REGEDIT4") {
				return fmt.Errorf("line %d: missing registry file header", i+1)
			}
			headerSeen = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		case strings.HasPrefix(line, `"`) || strings.HasPrefix(line, "@"):
		case strings.HasSuffix(line, `\`):
			// continuation of a multi-line hex value
		case isHexContinuation(line):
		default:
			return fmt.Errorf("line %d: unrecognized statement %q", i+1, line)
		}
	}
	if !headerSeen {
		return fmt.Errorf("empty registry file")
	}
	return nil
}

func isHexContinuation(line string) bool {
	for _, r := range line {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == ',', r == ' ':
		default:
			return false
		}
	}
	return len(line) > 0
}

// ImportRegFile rewrites file's roots at the synthetic hives and imports it
// via reg.exe. The source may be UTF-8, UTF-16LE or ANSI; the rewritten
// temp file is written UTF-16LE with BOM, which every reg.exe accepts.
func (r *Registry) ImportRegFile(file string) error {
	raw, err := r.cfg.Fs.ReadFile(file)
	if err != nil {
		return types.NewEngineError(types.KindIo, fmt.Sprintf("reading %s", file), err)
	}

	content := string(runner.DecodeOutput(raw))
	content = strings.TrimPrefix(content, "\ufeff")
	if err := validateRegFile(content); err != nil {
		return types.NewEngineError(types.KindRegistry, fmt.Sprintf("parsing %s", file), err)
	}
	content = RewriteRegRoots(content)

	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().Bytes([]byte(content))
	if err != nil {
		return types.NewEngineError(types.KindInternal, "encoding rewritten registry file", err)
	}

	tmp, err := fsutils.TempFile(r.cfg.Fs, "", "letrecovery-*.reg")
	if err != nil {
		return types.NewEngineError(types.KindIo, "creating temp registry file", err)
	}
	tmpName := tmp.Name()
	defer r.cfg.Fs.Remove(tmpName) //nolint:errcheck
	if _, err = tmp.Write(encoded); err != nil {
		tmp.Close()
		return types.NewEngineError(types.KindIo, "writing temp registry file", err)
	}
	tmp.Close()

	res, err := r.cfg.Runner.Run(constants.ToolReg, "import", tmpName)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("importing %s: %s", file, strings.TrimSpace(string(res.Stdout))), err)
	}
	return nil
}
