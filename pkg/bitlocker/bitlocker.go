// Package bitlocker queries and drives BitLocker volume encryption.
// The native path talks to the Win32_EncryptableVolume WMI provider; when
// that is unavailable or denied it falls back to manage-bde and parses its
// localized output. The orchestrator treats this package as a pure
// provider: queries and commands only, no pipeline state.
package bitlocker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// Conversion status values as reported by the FVE provider.
const (
	convFullyDecrypted = 0
	convFullyEncrypted = 1
	convEncrypting     = 2
	convDecrypting     = 3
	convEncryptPaused  = 4
	convDecryptPaused  = 5
)

// RawStatus is the low-level triple a backend reads off the volume before
// interpretation.
type RawStatus struct {
	Conversion int
	Locked     bool
	Percent    float32
	Protection int
}

// Backend is the capability set both concrete implementations provide.
// Errors satisfying shouldFallBack on the native backend cause the tried
// composite to retry through the shell tool.
type Backend interface {
	Name() string
	Status(letter string) (RawStatus, error)
	UnlockWithPassword(letter, password string) (types.UnlockResult, error)
	UnlockWithRecoveryKey(letter, key string) (types.UnlockResult, error)
	Decrypt(letter string) error
}

// Interpret maps a raw status onto the state machine. The provider briefly
// misreports FullyDecrypted while decryption is still draining, so a
// non-zero percentage overrides it.
func Interpret(raw RawStatus) types.BitLockerStatus {
	switch raw.Conversion {
	case convFullyDecrypted:
		if raw.Percent > 0 {
			return types.Decrypting
		}
		return types.NotEncrypted
	case convFullyEncrypted:
		if raw.Locked {
			return types.EncryptedLocked
		}
		return types.EncryptedUnlocked
	case convEncrypting, convEncryptPaused:
		return types.Encrypting
	case convDecrypting, convDecryptPaused:
		return types.Decrypting
	default:
		return types.StatusUnknown
	}
}

// Service is the package's public face: a tried-in-order composite over the
// native and shell backends plus the wait-loop semantics.
type Service struct {
	cfg      *config.Config
	backends []Backend
}

func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg:      cfg,
		backends: []Backend{newNativeBackend(cfg), newShellBackend(cfg)},
	}
}

// NewServiceWithBackends is the test seam.
func NewServiceWithBackends(cfg *config.Config, backends ...Backend) *Service {
	return &Service{cfg: cfg, backends: backends}
}

// shouldFallBack reports whether the next backend in line should get a try.
func shouldFallBack(err error) bool {
	if err == nil {
		return false
	}
	var ee *types.EngineError
	if asEngineError(err, &ee) {
		return ee.Kind == types.KindPermission || ee.Kind == types.KindEnvironment
	}
	return false
}

func asEngineError(err error, target **types.EngineError) bool {
	for err != nil {
		if ee, ok := err.(*types.EngineError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Status returns the interpreted BitLocker state of letter.
func (s *Service) Status(letter string) (types.BitLockerStatus, error) {
	st, _, err := s.StatusWithPercent(letter)
	return st, err
}

// StatusWithPercent also returns the encryption percentage; a NotEncrypted
// drive reports (NotEncrypted, 0).
func (s *Service) StatusWithPercent(letter string) (types.BitLockerStatus, float32, error) {
	var lastErr error
	for _, b := range s.backends {
		raw, err := b.Status(letter)
		if err == nil {
			return Interpret(raw), raw.Percent, nil
		}
		lastErr = err
		if !shouldFallBack(err) {
			break
		}
		s.cfg.Logger.Debugf("bitlocker status via %s failed (%s), trying next backend", b.Name(), err)
	}
	return types.StatusUnknown, 0, lastErr
}

// UnlockWithPassword unlocks letter with a user password and, on success,
// waits for the filesystem to actually come online.
func (s *Service) UnlockWithPassword(letter, password string) types.UnlockResult {
	return s.unlock(letter, func(b Backend) (types.UnlockResult, error) {
		return b.UnlockWithPassword(letter, password)
	})
}

// UnlockWithRecoveryKey normalizes key to the canonical 8x6-digit
// hyphenated form before unlocking.
func (s *Service) UnlockWithRecoveryKey(letter, key string) types.UnlockResult {
	normalized, err := NormalizeRecoveryKey(key)
	if err != nil {
		return types.UnlockResult{
			Success: false,
			Failure: types.BLBadRecoveryPassword,
			Message: err.Error(),
		}
	}
	return s.unlock(letter, func(b Backend) (types.UnlockResult, error) {
		return b.UnlockWithRecoveryKey(letter, normalized)
	})
}

func (s *Service) unlock(letter string, op func(Backend) (types.UnlockResult, error)) types.UnlockResult {
	var last types.UnlockResult
	for _, b := range s.backends {
		res, err := op(b)
		if err == nil {
			if res.Success {
				if werr := s.WaitForUnlock(letter); werr != nil {
					return types.UnlockResult{
						Success: false,
						Failure: types.BLTimeout,
						Message: werr.Error(),
					}
				}
			}
			return res
		}
		last = types.UnlockResult{Success: false, Failure: types.BLOther, Message: err.Error()}
		if !shouldFallBack(err) {
			break
		}
		s.cfg.Logger.Debugf("bitlocker unlock via %s failed (%s), trying next backend", b.Name(), err)
	}
	return last
}

// Decrypt starts decryption on letter and returns immediately; the caller
// polls StatusWithPercent until NotEncrypted.
func (s *Service) Decrypt(letter string) error {
	var lastErr error
	for _, b := range s.backends {
		err := b.Decrypt(letter)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldFallBack(err) {
			break
		}
		s.cfg.Logger.Debugf("bitlocker decrypt via %s failed (%s), trying next backend", b.Name(), err)
	}
	return lastErr
}

// WaitForUnlock polls every 500 ms for up to 5 minutes until the drive
// reports unlocked AND a listing of its root succeeds, which is the only
// reliable signal the filesystem is truly online after an unlock.
func (s *Service) WaitForUnlock(letter string) error {
	deadline := time.Now().Add(constants.BitLockerWaitTimeout * time.Second)
	for time.Now().Before(deadline) {
		st, _, err := s.StatusWithPercent(letter)
		if err == nil && st != types.EncryptedLocked {
			if _, err := s.cfg.Fs.ReadDir(strings.TrimSuffix(letter, `\`) + `\`); err == nil {
				return nil
			}
		}
		time.Sleep(constants.BitLockerPollInterval * time.Millisecond)
	}
	return types.NewEngineError(types.KindBitLocker,
		fmt.Sprintf("volume %s did not come online within the unlock wait window", letter), nil)
}

var recoveryDigits = regexp.MustCompile(`\d+`)

// NormalizeRecoveryKey accepts a recovery key with arbitrary separators or
// none at all and returns the canonical 8 groups of 6 digits joined by
// hyphens. 48 digits are required.
func NormalizeRecoveryKey(key string) (string, error) {
	digits := strings.Join(recoveryDigits.FindAllString(key, -1), "")
	if len(digits) != 48 {
		return "", fmt.Errorf("recovery key must contain exactly 48 digits, got %d", len(digits))
	}
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = digits[i*6 : (i+1)*6]
	}
	return strings.Join(groups, "-"), nil
}
