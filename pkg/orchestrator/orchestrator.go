// Package orchestrator is the deployment state machine: it decides
// install mode, runs the BitLocker pre-flight, drives the Direct/ViaPE/PE
// pipelines and the backup pipeline, and is the single publisher on the
// event bus. Every collaborator is a pure provider behind an interface so
// the pipelines are testable with fakes and no component holds pipeline
// state of its own.
package orchestrator

import (
	"time"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/imageengine"
	"github.com/letrecovery/deployengine/pkg/types"
)

// Disks is the partition-query slice of diskmodel the pipelines need.
type Disks interface {
	ListPartitions() ([]*types.Partition, error)
	FindPartition(letter string) (*types.Partition, error)
}

// BitLockerOps is the provider slice of pkg/bitlocker.
type BitLockerOps interface {
	StatusWithPercent(letter string) (types.BitLockerStatus, float32, error)
	UnlockWithPassword(letter, password string) types.UnlockResult
	UnlockWithRecoveryKey(letter, key string) types.UnlockResult
	Decrypt(letter string) error
}

// Imaging is the codec surface of pkg/imageengine.
type Imaging interface {
	Enumerate(imagePath string) ([]types.ImageInfo, error)
	Apply(imagePath string, index int, targetLetter string, progress imageengine.ProgressFunc) error
	Capture(sourceLetter, destPath, name, description string,
		format types.ImageFormat, incremental bool, splitSizeMB int, progress imageengine.ProgressFunc) error
}

// Booting is the boot-manager surface of pkg/bootmgr.
type Booting interface {
	RepairBoot(targetLetter string, useUEFI bool) error
	InstallPEBootEntry(peImagePath, peRamdiskDevice string) (string, error)
	DeletePEBootEntry(guid string) error
	FindAndMountESP() (letter string, alreadyMounted bool, err error)
	ApplyUefiSeven(espLetter, shimDir string, verbose bool) error
}

// Applying is the advanced-options surface of pkg/advopts.
type Applying interface {
	LoadHives(targetRoot string) error
	UnloadHives() error
	ReloadHives() error
	ApplyRegistryToggles(opts *types.AdvancedOptions) error
	StageFiles(targetRoot string, opts *types.AdvancedOptions, win10 bool) error
	RunDeployScript(targetRoot string, opts *types.AdvancedOptions) error
	InjectDrivers(targetRoot, driverDir string) error
	ExportHostDrivers(destDir string) error
	RegisterNVMeFallback() error
}

// Credentials is how the UI supplies BitLocker secrets on demand: asked
// once per locked partition, returns ok=false when the user gives up.
type Credentials func(letter string) (password, recoveryKey string, ok bool)

// Orchestrator drives one operation at a time. It is the only event
// sender; collaborators report through return values.
type Orchestrator struct {
	cfg *config.Config

	Disks       Disks
	BitLocker   BitLockerOps
	Images      Imaging
	Boot        Booting
	Applier     Applying
	Credentials Credentials

	// Format reformats a volume; split out of Disks because tests fake it
	// independently of enumeration.
	Format func(letter, fsName, label string) error

	// FindData picks (or carves) the partition holding the staged
	// payload when no data root is configured; wired to
	// diskmodel.FindDataPartition in production.
	FindData func(excludeLetter string, requiredBytes uint64) (letter string, autoCreated bool, err error)

	// Reboot performs the OS restart at pipeline boundaries.
	Reboot func() error

	// ReclaimPartition deletes an auto-created staging partition and
	// extends its neighbor back over the space; wired to
	// diskmodel.DeleteAutoCreated in production.
	ReclaimPartition func(letter, extendLetter string) error

	// InPE marks the process as running inside the preinstallation
	// environment, which forces Direct mode.
	InPE bool

	// UefiSevenSource is where the shim payload ships (next to the engine
	// binary); empty disables shim staging.
	UefiSevenSource string

	// DecryptPoll overrides the decryption-wait cadence in tests; zero
	// means the default two-second interval.
	DecryptPoll time.Duration

	// cancel is closed by the operation owner; pipelines abort at the
	// next safe boundary.
	cancel <-chan struct{}
}

func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// SetCancel installs the cancellation channel for the next run.
func (o *Orchestrator) SetCancel(ch <-chan struct{}) {
	o.cancel = ch
}

func (o *Orchestrator) cancelled() bool {
	if o.cancel == nil {
		return false
	}
	select {
	case <-o.cancel:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) publish(ev types.ProgressEvent) {
	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(ev)
	}
}

func (o *Orchestrator) status(msg string) {
	o.cfg.Logger.Info(msg)
	o.publish(types.Status(msg))
}

// fail emits the terminal failure event and returns err for the caller.
func (o *Orchestrator) fail(err error) error {
	o.cfg.Logger.Errorf("pipeline failed: %s", err)
	o.publish(types.Failed(err.Error()))
	return err
}
