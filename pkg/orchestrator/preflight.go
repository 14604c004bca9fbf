package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
	"github.com/letrecovery/deployengine/pkg/unattend"
)

// Preflight validates the target, clears every BitLocker obstacle in the
// touched set, and disarms unattend-dependent toggles when the target
// already carries an answer file. Returns the decided mode.
func (o *Orchestrator) Preflight(ic *types.InstallConfig) (Mode, error) {
	target, err := o.Disks.FindPartition(ic.TargetPartition)
	if err != nil {
		return ModeDirect, err
	}
	if target.IsESP || target.IsMSR || target.IsRecovery {
		return ModeDirect, types.NewEngineError(types.KindUserInput,
			fmt.Sprintf("%s is a firmware/recovery partition, not an install target", ic.TargetPartition), nil)
	}

	mode := DecideMode(o.InPE, target)
	o.status(fmt.Sprintf("install mode: %s", mode))

	touched, err := o.touchedPartitions(ic.TargetPartition, mode)
	if err != nil {
		return mode, err
	}

	if err := o.clearBitLocker(touched); err != nil {
		return mode, err
	}

	if _, found := unattend.ScanExisting(o.cfg, ic.TargetPartition); found && !ic.Format {
		// Two answer files fight each other; disarm ours and tell the user.
		ic.Options.BypassNRO = false
		ic.Options.CustomUsername = ""
		ic.Options.RemoveUWPApps = false
		o.status("target already carries an unattend.xml; OOBE bypass, custom username and UWP removal disabled")
	}

	return mode, nil
}

// touchedPartitions is the set the pipeline will read or write: always the
// target; in ViaPE mode additionally every fixed data partition, because
// PE cannot read encrypted volumes and any of them may end up holding the
// staged payload.
func (o *Orchestrator) touchedPartitions(targetLetter string, mode Mode) ([]*types.Partition, error) {
	parts, err := o.Disks.ListPartitions()
	if err != nil {
		return nil, err
	}
	var touched []*types.Partition
	for _, p := range parts {
		if p.Letter == "" || p.IsESP || p.IsMSR || p.IsRecovery {
			continue
		}
		if strings.EqualFold(p.Letter, targetLetter) || mode == ModeViaPE {
			touched = append(touched, p)
		}
	}
	return touched, nil
}

// clearBitLocker unlocks every locked partition in the set (prompting the
// UI for credentials), then starts decryption on every remaining
// encrypted one and waits it out.
func (o *Orchestrator) clearBitLocker(touched []*types.Partition) error {
	var toDecrypt []string

	for _, p := range touched {
		st, pct, err := o.BitLocker.StatusWithPercent(p.Letter)
		if err != nil {
			o.cfg.Logger.Warnf("bitlocker status on %s: %s", p.Letter, err)
			continue
		}
		p.BitLocker = st
		p.EncryptPercent = pct

		switch st {
		case types.EncryptedLocked:
			if err := o.unlockWithUI(p.Letter); err != nil {
				return err
			}
			toDecrypt = append(toDecrypt, p.Letter)
		case types.EncryptedUnlocked, types.Encrypting, types.Decrypting:
			toDecrypt = append(toDecrypt, p.Letter)
		}
	}

	if len(toDecrypt) == 0 {
		return nil
	}

	for _, letter := range toDecrypt {
		st, _, _ := o.BitLocker.StatusWithPercent(letter)
		if st == types.Decrypting || st == types.NotEncrypted {
			continue
		}
		o.status(fmt.Sprintf("starting decryption of %s", letter))
		if err := o.BitLocker.Decrypt(letter); err != nil {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("starting decryption of %s", letter), err)
		}
	}

	return o.waitForDecryption(toDecrypt)
}

// unlockWithUI loops credential requests through the UI until the volume
// unlocks or the user gives up.
func (o *Orchestrator) unlockWithUI(letter string) error {
	if o.Credentials == nil {
		return types.NewEngineError(types.KindBitLocker,
			fmt.Sprintf("%s is locked and no credential provider is attached", letter), nil)
	}
	for {
		password, recoveryKey, ok := o.Credentials(letter)
		if !ok {
			return types.NewEngineError(types.KindBitLocker,
				fmt.Sprintf("unlock of %s abandoned", letter), nil)
		}
		var res types.UnlockResult
		if recoveryKey != "" {
			res = o.BitLocker.UnlockWithRecoveryKey(letter, recoveryKey)
		} else {
			res = o.BitLocker.UnlockWithPassword(letter, password)
		}
		if res.Success {
			o.status(fmt.Sprintf("%s unlocked", letter))
			return nil
		}
		o.status(fmt.Sprintf("unlock of %s failed: %s", letter, res.Message))
	}
}

// waitForDecryption polls the monitored set, publishing the derived
// progress, until every member reports NotEncrypted. The poll interval
// doubles as the settle delay before the first reading: querying too soon
// after Decrypt still reports 100%.
func (o *Orchestrator) waitForDecryption(letters []string) error {
	interval := o.DecryptPoll
	if interval <= 0 {
		interval = constants.DecryptionPollInterval * time.Second
	}

	for {
		if o.cancelled() {
			return types.NewEngineError(types.KindCancelled, "cancelled", nil)
		}
		time.Sleep(interval)

		var remaining []string
		var maxPct float32
		for _, letter := range letters {
			st, pct, err := o.BitLocker.StatusWithPercent(letter)
			if err != nil {
				return types.NewEngineError(types.KindBitLocker,
					fmt.Sprintf("polling decryption of %s", letter), err)
			}
			if st == types.NotEncrypted {
				continue
			}
			remaining = append(remaining, letter)
			if pct > maxPct {
				maxPct = pct
			}
		}
		if len(remaining) == 0 {
			o.status("all partitions decrypted")
			return nil
		}
		o.publish(types.DecryptingPartitions(remaining, maxPct))
	}
}
