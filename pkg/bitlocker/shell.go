package bitlocker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// shellBackend drives manage-bde and parses its output. The tool localizes
// every line, so parsing matches a curated table of English and Chinese
// phrases case-insensitively rather than assuming one locale.
type shellBackend struct {
	cfg *config.Config
}

func newShellBackend(cfg *config.Config) Backend {
	return &shellBackend{cfg: cfg}
}

func (s *shellBackend) Name() string { return "manage-bde" }

// phrase tables: substring -> semantic. Longest-match-first is not needed;
// the phrases are mutually exclusive per line.
var conversionPhrases = []struct {
	substr string
	conv   int
}{
	{"fully encrypted", convFullyEncrypted},
	{"fully decrypted", convFullyDecrypted},
	{"encryption in progress", convEncrypting},
	{"decryption in progress", convDecrypting},
	{"encryption paused", convEncryptPaused},
	{"decryption paused", convDecryptPaused},
	{"已完全加密", convFullyEncrypted},
	{"已完全解密", convFullyDecrypted},
	{"正在加密", convEncrypting},
	{"正在解密", convDecrypting},
	{"加密已暂停", convEncryptPaused},
	{"解密已暂停", convDecryptPaused},
}

var percentRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*%`)

func (s *shellBackend) Status(letter string) (RawStatus, error) {
	res, err := s.cfg.Runner.Run(constants.ToolManageBde, "-status", driveArg(letter))
	if err != nil {
		return RawStatus{}, types.NewEngineError(types.KindEnvironment, "running manage-bde -status", err)
	}
	out := string(res.Stdout)
	if res.ExitCode != 0 {
		failure, code := classifyFailure(out)
		switch failure {
		case types.BLNotEncrypted, types.BLNotBitLockerVolume:
			// Not under BitLocker at all; report as plain NotEncrypted.
			return RawStatus{Conversion: convFullyDecrypted}, nil
		case types.BLNone:
			return RawStatus{}, types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("manage-bde -status %s failed: %s", letter, strings.TrimSpace(out)), nil)
		default:
			return RawStatus{}, types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("manage-bde -status %s failed with 0x%08X", letter, code), nil)
		}
	}
	return ParseStatusOutput(out), nil
}

// ParseStatusOutput extracts the conversion state, lock state and percent
// from a manage-bde -status block. Exported for the parsing tests.
func ParseStatusOutput(out string) RawStatus {
	raw := RawStatus{Conversion: -1}
	lower := strings.ToLower(out)

	for _, p := range conversionPhrases {
		if strings.Contains(lower, p.substr) {
			raw.Conversion = p.conv
			break
		}
	}
	// Only the lock-status line decides the lock state; "Unlocked"
	// contains "locked", so the explicit phrase must win.
	for _, line := range strings.Split(lower, "\n") {
		if !strings.Contains(line, "lock status") && !strings.Contains(line, "锁定状态") {
			continue
		}
		switch {
		case strings.Contains(line, "unlocked"), strings.Contains(line, "已解锁"):
			raw.Locked = false
		case strings.Contains(line, "locked"), strings.Contains(line, "已锁定"):
			raw.Locked = true
		}
	}
	if m := percentRe.FindStringSubmatch(out); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 32); err == nil {
			raw.Percent = float32(v)
		}
	}
	if raw.Conversion == -1 {
		raw.Conversion = convFullyDecrypted
	}
	return raw
}

func (s *shellBackend) UnlockWithPassword(letter, password string) (types.UnlockResult, error) {
	// manage-bde only reads the password interactively; pipe it through cmd.
	res, err := s.cfg.Runner.Run("cmd.exe", "/c",
		fmt.Sprintf(`echo %s| %s -unlock %s -Password`, password, constants.ToolManageBde, driveArg(letter)))
	if err != nil {
		return types.UnlockResult{}, types.NewEngineError(types.KindEnvironment, "running manage-bde -unlock", err)
	}
	return unlockResultFromOutput(string(res.Stdout), res.ExitCode, types.BLBadPassword), nil
}

func (s *shellBackend) UnlockWithRecoveryKey(letter, key string) (types.UnlockResult, error) {
	res, err := s.cfg.Runner.Run(constants.ToolManageBde, "-unlock", driveArg(letter), "-RecoveryPassword", key)
	if err != nil {
		return types.UnlockResult{}, types.NewEngineError(types.KindEnvironment, "running manage-bde -unlock", err)
	}
	return unlockResultFromOutput(string(res.Stdout), res.ExitCode, types.BLBadRecoveryPassword), nil
}

func (s *shellBackend) Decrypt(letter string) error {
	res, err := s.cfg.Runner.Run(constants.ToolManageBde, "-off", driveArg(letter))
	if err != nil {
		return types.NewEngineError(types.KindEnvironment, "running manage-bde -off", err)
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(string(res.Stdout))
		if failure, code := classifyFailure(out); failure != types.BLNone {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("decrypt %s failed with 0x%08X", letter, code), nil)
		}
		return types.NewEngineError(types.KindBitLocker,
			fmt.Sprintf("decrypt %s failed: %s", letter, out), nil)
	}
	return nil
}

// unlockResultFromOutput translates tool output into the typed result. A
// known error code wins over exit-code heuristics; defaultFailure is what a
// credential rejection maps to for this operation.
func unlockResultFromOutput(out string, exitCode int, defaultFailure types.BitLockerFailure) types.UnlockResult {
	message := strings.TrimSpace(out)
	if failure, code := classifyFailure(out); failure != types.BLNone {
		c := code
		return types.UnlockResult{Success: false, Failure: failure, ErrorCode: &c, Message: message}
	}
	if exitCode != 0 {
		return types.UnlockResult{Success: false, Failure: defaultFailure, Message: message}
	}
	return types.UnlockResult{Success: true, Message: message}
}

var errorCodeRe = regexp.MustCompile(`0x8031[0-9A-Fa-f]{4}`)

// classifyFailure scans tool output for FVE error codes and the localized
// phrases that accompany them.
func classifyFailure(out string) (types.BitLockerFailure, uint32) {
	if m := errorCodeRe.FindString(out); m != "" {
		code64, _ := strconv.ParseUint(m[2:], 16, 32)
		code := uint32(code64)
		switch code {
		case constants.FVEBadPassword:
			return types.BLBadPassword, code
		case constants.FVEBadRecoveryKey:
			return types.BLBadRecoveryPassword, code
		case constants.FVENotEncrypted:
			return types.BLNotEncrypted, code
		case constants.FVENotBitLockerVol:
			return types.BLNotBitLockerVolume, code
		case constants.FVEVolumeLockedError:
			return types.BLVolumeLocked, code
		default:
			return types.BLOther, code
		}
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "password is incorrect") || strings.Contains(lower, "密码错误"):
		return types.BLBadPassword, constants.FVEBadPassword
	case strings.Contains(lower, "recovery password") && strings.Contains(lower, "incorrect"),
		strings.Contains(lower, "恢复密码错误"):
		return types.BLBadRecoveryPassword, constants.FVEBadRecoveryKey
	case strings.Contains(lower, "is not encrypted") || strings.Contains(lower, "未加密"):
		return types.BLNotEncrypted, constants.FVENotEncrypted
	case strings.Contains(lower, "access is denied") || strings.Contains(lower, "拒绝访问"):
		return types.BLOther, 0x80070005
	}
	return types.BLNone, 0
}

func driveArg(letter string) string {
	return strings.TrimSuffix(strings.TrimSuffix(letter, `\`), ":") + ":"
}

var recoveryKeyRe = regexp.MustCompile(`\d{6}(?:-\d{6}){7}`)

// GetRecoveryKey retrieves the stored numerical recovery password for
// letter. This always goes through manage-bde regardless of which backend
// handles the other operations: reading protectors through the native
// provider means parsing undocumented key-protector structures, while the
// tool prints the canonical hyphenated form directly.
func (s *Service) GetRecoveryKey(letter string) (string, error) {
	res, err := s.cfg.Runner.Run(constants.ToolManageBde,
		"-protectors", "-get", driveArg(letter), "-Type", "RecoveryPassword")
	if err != nil {
		return "", types.NewEngineError(types.KindEnvironment, "running manage-bde -protectors", err)
	}
	out := string(res.Stdout)
	if key := recoveryKeyRe.FindString(out); key != "" {
		return key, nil
	}
	return "", types.NewEngineError(types.KindBitLocker,
		fmt.Sprintf("no recovery password protector found on %s", letter), nil)
}
