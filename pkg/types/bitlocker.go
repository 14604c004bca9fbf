package types

// BitLockerFailure enumerates every way an unlock or decrypt can fail.
type BitLockerFailure int

const (
	BLNone BitLockerFailure = iota
	BLBadPassword
	BLBadRecoveryPassword
	BLVolumeLocked
	BLNotEncrypted
	BLNotBitLockerVolume
	BLNotSupported
	BLAccessDenied
	BLTimeout
	BLOther
)

func (f BitLockerFailure) String() string {
	switch f {
	case BLNone:
		return ""
	case BLBadPassword:
		return "BadPassword"
	case BLBadRecoveryPassword:
		return "BadRecoveryPassword"
	case BLVolumeLocked:
		return "VolumeLocked"
	case BLNotEncrypted:
		return "NotEncrypted"
	case BLNotBitLockerVolume:
		return "NotBitLockerVolume"
	case BLNotSupported:
		return "NotSupported"
	case BLAccessDenied:
		return "AccessDenied"
	case BLTimeout:
		return "Timeout"
	default:
		return "Other"
	}
}

// UnlockResult is returned by the unlock operations.
type UnlockResult struct {
	Success   bool
	Failure   BitLockerFailure
	ErrorCode *uint32
	Message   string
}
