//go:build windows

package bitlocker

import (
	"fmt"
	"strings"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/types"
)

// nativeBackend talks to the Win32_EncryptableVolume WMI provider, the
// supported programmatic surface over the FVE API. Access requires
// elevation; a denied or absent provider makes the composite fall back to
// manage-bde.
type nativeBackend struct {
	cfg *config.Config
}

func newNativeBackend(cfg *config.Config) Backend {
	return &nativeBackend{cfg: cfg}
}

func (n *nativeBackend) Name() string { return "fve-wmi" }

// withVolume connects to the encryption WMI namespace, locates the volume
// for letter and hands it to fn. COM is initialized per call; the handles
// are scoped to the call and released before it returns.
func (n *nativeBackend) withVolume(letter string, fn func(vol *ole.IDispatch) error) error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		oleErr, ok := err.(*ole.OleError)
		// S_FALSE: already initialized on this thread.
		if !ok || oleErr.Code() != 1 {
			return types.NewEngineError(types.KindEnvironment, "initializing COM", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return types.NewEngineError(types.KindEnvironment, "creating WMI locator", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return types.NewEngineError(types.KindEnvironment, "querying WMI locator interface", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", "",
		`root\CIMV2\Security\MicrosoftVolumeEncryption`)
	if err != nil {
		return types.NewEngineError(types.KindPermission, "connecting to the volume encryption namespace", err)
	}
	service := serviceRaw.ToIDispatch()
	defer service.Release()

	query := fmt.Sprintf(
		"SELECT * FROM Win32_EncryptableVolume WHERE DriveLetter='%s'",
		strings.TrimSuffix(strings.TrimSuffix(letter, `\`), ":")+":")
	resultRaw, err := oleutil.CallMethod(service, "ExecQuery", query)
	if err != nil {
		return types.NewEngineError(types.KindEnvironment, "querying Win32_EncryptableVolume", err)
	}
	result := resultRaw.ToIDispatch()
	defer result.Release()

	countVar, err := oleutil.GetProperty(result, "Count")
	if err != nil || countVar.Val == 0 {
		return types.NewEngineError(types.KindBitLocker,
			fmt.Sprintf("no encryptable volume for %s", letter), err)
	}

	itemRaw, err := oleutil.CallMethod(result, "ItemIndex", 0)
	if err != nil {
		return types.NewEngineError(types.KindEnvironment, "reading encryptable volume", err)
	}
	vol := itemRaw.ToIDispatch()
	defer vol.Release()

	return fn(vol)
}

// callOut invokes a WMI method that returns values through out-parameters,
// passing variant references and returning the method's uint32 result.
func callOut(vol *ole.IDispatch, method string, outs []*ole.VARIANT, ins ...interface{}) (uint32, error) {
	args := make([]interface{}, 0, len(ins)+len(outs))
	args = append(args, ins...)
	for _, o := range outs {
		args = append(args, o)
	}
	ret, err := oleutil.CallMethod(vol, method, args...)
	if err != nil {
		return 0, err
	}
	return uint32(ret.Val), nil
}

func (n *nativeBackend) Status(letter string) (RawStatus, error) {
	var raw RawStatus
	err := n.withVolume(letter, func(vol *ole.IDispatch) error {
		convOut := ole.NewVariant(ole.VT_I4|ole.VT_BYREF, 0)
		pctOut := ole.NewVariant(ole.VT_I4|ole.VT_BYREF, 0)
		if ret, err := callOut(vol, "GetConversionStatus", []*ole.VARIANT{&convOut, &pctOut}); err != nil || ret != 0 {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("GetConversionStatus on %s returned 0x%08X", letter, ret), err)
		}
		raw.Conversion = int(convOut.Val)
		raw.Percent = float32(pctOut.Val)

		lockOut := ole.NewVariant(ole.VT_I4|ole.VT_BYREF, 0)
		if ret, err := callOut(vol, "GetLockStatus", []*ole.VARIANT{&lockOut}); err != nil || ret != 0 {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("GetLockStatus on %s returned 0x%08X", letter, ret), err)
		}
		raw.Locked = lockOut.Val == 1

		protOut := ole.NewVariant(ole.VT_I4|ole.VT_BYREF, 0)
		if ret, err := callOut(vol, "GetProtectionStatus", []*ole.VARIANT{&protOut}); err == nil && ret == 0 {
			raw.Protection = int(protOut.Val)
		}
		return nil
	})
	return raw, err
}

func (n *nativeBackend) UnlockWithPassword(letter, password string) (types.UnlockResult, error) {
	return n.unlock(letter, "UnlockWithPassphrase", password, types.BLBadPassword)
}

func (n *nativeBackend) UnlockWithRecoveryKey(letter, key string) (types.UnlockResult, error) {
	return n.unlock(letter, "UnlockWithNumericalPassword", key, types.BLBadRecoveryPassword)
}

func (n *nativeBackend) unlock(letter, method, credential string, badCred types.BitLockerFailure) (types.UnlockResult, error) {
	var result types.UnlockResult
	err := n.withVolume(letter, func(vol *ole.IDispatch) error {
		ret, err := callOut(vol, method, nil, credential)
		if err != nil {
			return types.NewEngineError(types.KindBitLocker, method, err)
		}
		switch ret {
		case 0:
			result = types.UnlockResult{Success: true}
		default:
			code := ret
			failure := types.BLOther
			switch ret {
			case 0x80310027:
				failure = types.BLBadPassword
			case 0x80310028:
				failure = types.BLBadRecoveryPassword
			case 0x80310008:
				failure = types.BLNotBitLockerVolume
			}
			if failure == types.BLOther && badCred != types.BLNone && ret>>16 == 0x8031 {
				failure = badCred
			}
			result = types.UnlockResult{
				Success:   false,
				Failure:   failure,
				ErrorCode: &code,
				Message:   fmt.Sprintf("%s returned 0x%08X", method, ret),
			}
		}
		return nil
	})
	return result, err
}

func (n *nativeBackend) Decrypt(letter string) error {
	return n.withVolume(letter, func(vol *ole.IDispatch) error {
		ret, err := callOut(vol, "Decrypt", nil)
		if err != nil {
			return types.NewEngineError(types.KindBitLocker, "Decrypt", err)
		}
		if ret != 0 {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("Decrypt on %s returned 0x%08X", letter, ret), nil)
		}
		return nil
	})
}
