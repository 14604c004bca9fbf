package orchestrator

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/imageengine"
	"github.com/letrecovery/deployengine/pkg/types"
	"github.com/letrecovery/deployengine/tests/mocks"
)

func TestOrchestratorSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator suite")
}

// --- fakes -----------------------------------------------------------------

type fakeDisks struct {
	parts []*types.Partition
}

func (f *fakeDisks) ListPartitions() ([]*types.Partition, error) { return f.parts, nil }
func (f *fakeDisks) FindPartition(letter string) (*types.Partition, error) {
	for _, p := range f.parts {
		if p.Letter == letter {
			return p, nil
		}
	}
	return nil, types.NewEngineError(types.KindUserInput, "no partition "+letter, nil)
}

type fakeBitLocker struct {
	mu     sync.Mutex
	status map[string]types.BitLockerStatus
	pct    map[string]float32
	// decryptTicks counts down per letter; at zero the volume reports
	// NotEncrypted.
	decryptTicks map[string]int
	decrypted    []string
	goodPassword string
}

func (f *fakeBitLocker) StatusWithPercent(letter string) (types.BitLockerStatus, float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status[letter]
	if st == types.Decrypting {
		if f.decryptTicks[letter] <= 0 {
			f.status[letter] = types.NotEncrypted
			f.pct[letter] = 0
		} else {
			f.decryptTicks[letter]--
		}
	}
	return f.status[letter], f.pct[letter], nil
}

func (f *fakeBitLocker) UnlockWithPassword(letter, password string) types.UnlockResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password == f.goodPassword {
		f.status[letter] = types.EncryptedUnlocked
		return types.UnlockResult{Success: true}
	}
	code := uint32(0x80310027)
	return types.UnlockResult{Success: false, Failure: types.BLBadPassword, ErrorCode: &code, Message: "密码错误"}
}

func (f *fakeBitLocker) UnlockWithRecoveryKey(letter, key string) types.UnlockResult {
	return types.UnlockResult{Success: false, Failure: types.BLBadRecoveryPassword}
}

func (f *fakeBitLocker) Decrypt(letter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[letter] = types.Decrypting
	f.decrypted = append(f.decrypted, letter)
	return nil
}

type fakeImaging struct {
	applied  []string
	captured []string
	failNext bool
}

func (f *fakeImaging) Enumerate(string) ([]types.ImageInfo, error) { return nil, nil }
func (f *fakeImaging) Apply(imagePath string, index int, target string, progress imageengine.ProgressFunc) error {
	if f.failNext {
		return types.NewEngineError(types.KindImageTool, "apply blew up", nil)
	}
	f.applied = append(f.applied, fmt.Sprintf("%s#%d->%s", imagePath, index, target))
	if progress != nil {
		progress(50)
		progress(100)
	}
	return nil
}
func (f *fakeImaging) Capture(source, dest, name, desc string, format types.ImageFormat,
	incremental bool, split int, progress imageengine.ProgressFunc) error {
	f.captured = append(f.captured, source+"->"+dest)
	return nil
}

type fakeBoot struct {
	repaired []string
	entries  []string
	deleted  []string
}

func (f *fakeBoot) RepairBoot(target string, uefi bool) error {
	f.repaired = append(f.repaired, fmt.Sprintf("%s uefi=%v", target, uefi))
	return nil
}
func (f *fakeBoot) InstallPEBootEntry(path, device string) (string, error) {
	f.entries = append(f.entries, path)
	return "{guid}", nil
}
func (f *fakeBoot) DeletePEBootEntry(guid string) error {
	f.deleted = append(f.deleted, guid)
	return nil
}
func (f *fakeBoot) FindAndMountESP() (string, bool, error) { return "S:", false, nil }
func (f *fakeBoot) ApplyUefiSeven(esp, shim string, verbose bool) error {
	return nil
}

type fakeApplier struct {
	hivesLoaded bool
	exported    []string
	injected    []string
	toggled     bool
	exportErr   error
}

func (f *fakeApplier) LoadHives(root string) error { f.hivesLoaded = true; return nil }
func (f *fakeApplier) UnloadHives() error          { f.hivesLoaded = false; return nil }
func (f *fakeApplier) ReloadHives() error          { f.hivesLoaded = true; return nil }
func (f *fakeApplier) ApplyRegistryToggles(*types.AdvancedOptions) error {
	f.toggled = true
	return nil
}
func (f *fakeApplier) StageFiles(string, *types.AdvancedOptions, bool) error { return nil }
func (f *fakeApplier) RunDeployScript(string, *types.AdvancedOptions) error  { return nil }
func (f *fakeApplier) InjectDrivers(root, dir string) error {
	f.injected = append(f.injected, dir)
	return nil
}
func (f *fakeApplier) ExportHostDrivers(dir string) error {
	if f.exportErr != nil {
		return f.exportErr
	}
	f.exported = append(f.exported, dir)
	return nil
}
func (f *fakeApplier) RegisterNVMeFallback() error { return nil }

// collector drains the bus into a slice for post-run assertions.
type collector struct {
	mu     sync.Mutex
	events []types.ProgressEvent
	done   chan struct{}
	stop   func()
}

func collect(cfg *config.Config) *collector {
	c := &collector{done: make(chan struct{})}
	ch, unsub := cfg.Bus.Subscribe()
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
		close(c.done)
	}()
	c.stop = unsub
	return c
}

func (c *collector) snapshot() []types.ProgressEvent {
	c.stop()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ProgressEvent(nil), c.events...)
}

func kinds(events []types.ProgressEvent) []types.ProgressEventKind {
	var out []types.ProgressEventKind
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func stepNames(events []types.ProgressEvent) []string {
	var out []string
	for _, e := range events {
		if e.Kind == types.EventStepChange {
			out = append(out, e.StepName)
		}
	}
	return out
}

func hasKind(events []types.ProgressEvent, k types.ProgressEventKind) bool {
	for _, e := range events {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// fakeNtdll builds a minimal PE with a version resource, enough for
// unattend.DetectTarget.
func fakeNtdll(major, minor int) string {
	buf := make([]byte, 0x200)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:], 0x80)
	buf[0x80], buf[0x81] = 'P', 'E'
	binary.LittleEndian.PutUint16(buf[0x84:], 0x8664)
	binary.LittleEndian.PutUint32(buf[0x100:], 0xFEEF04BD)
	binary.LittleEndian.PutUint32(buf[0x108:], uint32(major)<<16|uint32(minor))
	binary.LittleEndian.PutUint32(buf[0x10C:], 19041<<16)
	return string(buf)
}

// --- specs -----------------------------------------------------------------

var _ = Describe("DecideMode", Label("orchestrator"), func() {
	It("is Direct inside PE even for the system partition", func() {
		Expect(DecideMode(true, &types.Partition{IsSystem: true})).To(Equal(ModeDirect))
	})
	It("is ViaPE when the target is the running system", func() {
		Expect(DecideMode(false, &types.Partition{IsSystem: true})).To(Equal(ModeViaPE))
	})
	It("is Direct for a data partition on a full host", func() {
		Expect(DecideMode(false, &types.Partition{})).To(Equal(ModeDirect))
	})
})

var _ = Describe("OverallProgress", Label("orchestrator"), func() {
	It("is piecewise linear over the direct weights", func() {
		Expect(OverallProgress(DirectSteps, 0, 0)).To(Equal(0))
		Expect(OverallProgress(DirectSteps, 0, 100)).To(Equal(5))
		Expect(OverallProgress(DirectSteps, 2, 50)).To(Equal(5 + 5 + 40))
		Expect(OverallProgress(DirectSteps, 6, 100)).To(Equal(100))
	})
	It("clamps out-of-range inputs", func() {
		Expect(OverallProgress(DirectSteps, -1, 50)).To(Equal(0))
		Expect(OverallProgress(DirectSteps, 99, 0)).To(Equal(100))
		Expect(OverallProgress(DirectSteps, 0, 250)).To(Equal(5))
	})
	It("weights sum to 100 for both pipelines", func() {
		sum := func(steps []Step) int {
			t := 0
			for _, s := range steps {
				t += s.Weight
			}
			return t
		}
		Expect(sum(DirectSteps)).To(Equal(100))
		Expect(sum(ViaPESteps)).To(Equal(100))
	})
})

func newTestOrchestrator(files map[string]interface{}) (*Orchestrator, *config.Config, func()) {
	fs, cleanup, err := vfst.NewTestFS(files)
	Expect(err).ToNot(HaveOccurred())
	cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
	o := New(cfg)
	o.Format = func(letter, fsName, label string) error { return nil }
	return o, cfg, cleanup
}

var _ = Describe("Direct install pipeline", Label("orchestrator"), func() {
	var (
		o       *Orchestrator
		cfg     *config.Config
		cleanup func()
		imaging *fakeImaging
		applier *fakeApplier
		boot    *fakeBoot
	)

	BeforeEach(func() {
		o, cfg, cleanup = newTestOrchestrator(map[string]interface{}{
			"/src/win10.wim":                "image-bytes",
			"/d/Windows/System32/ntdll.dll": fakeNtdll(10, 0),
		})
		imaging = &fakeImaging{}
		applier = &fakeApplier{}
		boot = &fakeBoot{}
		o.Images = imaging
		o.Applier = applier
		o.Boot = boot
		o.Disks = &fakeDisks{parts: []*types.Partition{
			{Letter: "/d", FileSystem: "NTFS", FreeBytes: 50 << 30},
		}}
		o.BitLocker = &fakeBitLocker{status: map[string]types.BitLockerStatus{}, pct: map[string]float32{}}
	})

	AfterEach(func() { cleanup() })

	ic := func() *types.InstallConfig {
		return &types.InstallConfig{
			TargetPartition: "/d",
			ImageFileName:   "win10.wim",
			VolumeIndex:     1,
			Format:          true,
			DriverAction:    types.DriverActionAutoImport,
			BootMode:        "uefi",
		}
	}

	It("walks the seven steps in order and completes", func() {
		c := collect(cfg)
		Expect(o.RunInstall(ic(), "/src", "/data")).To(Succeed())

		events := c.snapshot()
		Expect(stepNames(events)).To(Equal([]string{
			"Format partition", "Export drivers", "Apply image",
			"Import drivers", "Repair boot", "Apply options", "Finalize",
		}))
		Expect(events[len(events)-1].Kind).To(Equal(types.EventCompleted))
		Expect(imaging.applied).To(HaveLen(1))
		Expect(boot.repaired).To(Equal([]string{"/d uefi=true"}))
	})

	It("treats driver export failure as soft", func() {
		applier.exportErr = types.NewEngineError(types.KindEnvironment, "dism missing", nil)
		c := collect(cfg)
		Expect(o.RunInstall(ic(), "/src", "/data")).To(Succeed())

		events := c.snapshot()
		Expect(hasKind(events, types.EventCompleted)).To(BeTrue())
		Expect(hasKind(events, types.EventFailed)).To(BeFalse())
	})

	It("treats image apply failure as fatal", func() {
		imaging.failNext = true
		c := collect(cfg)
		Expect(o.RunInstall(ic(), "/src", "/data")).NotTo(Succeed())

		events := c.snapshot()
		Expect(hasKind(events, types.EventFailed)).To(BeTrue())
		Expect(hasKind(events, types.EventCompleted)).To(BeFalse())
	})

	It("leaves a deploy-state manifest on the target", func() {
		Expect(o.RunInstall(ic(), "/src", "/data")).To(Succeed())
		data, err := cfg.Fs.ReadFile("/d/deploystate.json")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"image_file_name": "win10.wim"`))
	})
})

var _ = Describe("Preflight", Label("orchestrator"), func() {
	It("decrypts an unlocked-but-encrypted partition before ViaPE staging", func() {
		o, cfg, cleanup := newTestOrchestrator(map[string]interface{}{"/c/.keep": ""})
		defer cleanup()

		bl := &fakeBitLocker{
			status:       map[string]types.BitLockerStatus{"/c": types.NotEncrypted, "/e": types.EncryptedUnlocked},
			pct:          map[string]float32{"/e": 100},
			decryptTicks: map[string]int{"/e": 2},
		}
		o.BitLocker = bl
		o.InPE = false
		o.DecryptPoll = time.Millisecond
		o.Disks = &fakeDisks{parts: []*types.Partition{
			{Letter: "/c", IsSystem: true, FileSystem: "NTFS"},
			{Letter: "/e", FileSystem: "NTFS"},
		}}

		c := collect(cfg)
		mode, err := o.Preflight(&types.InstallConfig{TargetPartition: "/c", Format: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(mode).To(Equal(ModeViaPE))
		Expect(bl.decrypted).To(ContainElement("/e"))

		events := c.snapshot()
		Expect(hasKind(events, types.EventDecryptingPartitions)).To(BeTrue())
	})

	It("loops unlock prompts and aborts when the user gives up", func() {
		o, _, cleanup := newTestOrchestrator(map[string]interface{}{"/d/.keep": ""})
		defer cleanup()

		bl := &fakeBitLocker{
			status:       map[string]types.BitLockerStatus{"/d": types.EncryptedLocked},
			pct:          map[string]float32{"/d": 100},
			decryptTicks: map[string]int{},
			goodPassword: "correct",
		}
		o.BitLocker = bl
		o.Disks = &fakeDisks{parts: []*types.Partition{{Letter: "/d", FileSystem: "NTFS"}}}

		attempts := 0
		o.Credentials = func(letter string) (string, string, bool) {
			attempts++
			if attempts < 3 {
				return "wrong", "", true
			}
			return "", "", false
		}

		_, err := o.Preflight(&types.InstallConfig{TargetPartition: "/d", Format: true})
		Expect(err).To(HaveOccurred())
		Expect(attempts).To(Equal(3))
	})

	It("disables unattend-dependent toggles when the target has an answer file", func() {
		o, _, cleanup := newTestOrchestrator(map[string]interface{}{
			"/d/Windows/Panther/unattend.xml": "<unattend/>",
		})
		defer cleanup()

		o.BitLocker = &fakeBitLocker{status: map[string]types.BitLockerStatus{}, pct: map[string]float32{}}
		o.Disks = &fakeDisks{parts: []*types.Partition{{Letter: "/d", FileSystem: "NTFS"}}}

		ic := &types.InstallConfig{
			TargetPartition: "/d",
			Format:          false,
			Options: types.AdvancedOptions{
				BypassNRO:      true,
				CustomUsername: "Alice",
				RemoveUWPApps:  true,
			},
		}
		_, err := o.Preflight(ic)
		Expect(err).ToNot(HaveOccurred())
		Expect(ic.Options.BypassNRO).To(BeFalse())
		Expect(ic.Options.CustomUsername).To(BeEmpty())
		Expect(ic.Options.RemoveUWPApps).To(BeFalse())
	})

	It("rejects firmware partitions as targets", func() {
		o, _, cleanup := newTestOrchestrator(map[string]interface{}{"/s/.keep": ""})
		defer cleanup()
		o.Disks = &fakeDisks{parts: []*types.Partition{{Letter: "/s", IsESP: true}}}
		o.BitLocker = &fakeBitLocker{status: map[string]types.BitLockerStatus{}, pct: map[string]float32{}}

		_, err := o.Preflight(&types.InstallConfig{TargetPartition: "/s"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ViaPE staging pipeline", Label("orchestrator"), func() {
	It("stages config, image and boot entry then completes", func() {
		o, cfg, cleanup := newTestOrchestrator(map[string]interface{}{
			"/src/win11.esd":               "esd-bytes",
			"/data/LetRecovery/winpe.wim":  "pe-image",
			"/c/Windows/System32/config/x": "",
		})
		defer cleanup()

		boot := &fakeBoot{}
		applier := &fakeApplier{}
		o.Boot = boot
		o.Applier = applier
		o.Images = &fakeImaging{}
		o.BitLocker = &fakeBitLocker{status: map[string]types.BitLockerStatus{}, pct: map[string]float32{}}
		o.Disks = &fakeDisks{parts: []*types.Partition{
			{Letter: "/c", IsSystem: true, FileSystem: "NTFS"},
		}}

		ic := &types.InstallConfig{
			TargetPartition: "/c",
			ImageFileName:   "win11.esd",
			VolumeIndex:     1,
			Format:          true,
			DriverAction:    types.DriverActionNone,
		}

		c := collect(cfg)
		Expect(o.RunInstall(ic, "/src", "/data")).To(Succeed())

		events := c.snapshot()
		Expect(hasKind(events, types.EventCompleted)).To(BeTrue())
		Expect(boot.entries).To(HaveLen(1))

		staged, err := cfg.Fs.ReadFile("/data/LetRecovery/win11.esd")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(staged)).To(Equal("esd-bytes"))

		cfgData, err := cfg.Fs.ReadFile("/data/LetRecovery/install.json")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(cfgData)).To(ContainSubstring("win11.esd"))
	})
})

var _ = Describe("Backup pipeline", Label("orchestrator"), func() {
	It("captures, verifies and removes the PE boot entry", func() {
		o, cfg, cleanup := newTestOrchestrator(map[string]interface{}{
			"/out/backup.wim": "captured",
		})
		defer cleanup()

		imaging := &fakeImaging{}
		boot := &fakeBoot{}
		o.Images = imaging
		o.Boot = boot

		bc := &types.BackupConfig{
			SourcePartition: "/c",
			SavePath:        "/out/backup.wim",
			Name:            "backup",
			Format:          "WIM",
		}
		c := collect(cfg)
		Expect(o.RunBackup(bc, "{guid}")).To(Succeed())

		events := c.snapshot()
		Expect(hasKind(events, types.EventCompleted)).To(BeTrue())
		Expect(imaging.captured).To(Equal([]string{"/c->/out/backup.wim"}))
		Expect(boot.deleted).To(Equal([]string{"{guid}"}))
	})

	It("fails when the capture output is missing", func() {
		o, cfg, cleanup := newTestOrchestrator(map[string]interface{}{"/out/.keep": ""})
		defer cleanup()
		o.Images = &fakeImaging{}
		o.Boot = &fakeBoot{}

		bc := &types.BackupConfig{SourcePartition: "/c", SavePath: "/out/missing.wim", Format: "WIM"}
		c := collect(cfg)
		Expect(o.RunBackup(bc, "")).NotTo(Succeed())
		Expect(hasKind(c.snapshot(), types.EventFailed)).To(BeTrue())
	})
})

var _ = Describe("PE phase", Label("orchestrator"), func() {
	It("resolves config and target, installs, cleans up and reboots", func() {
		o, cfg, cleanup := newTestOrchestrator(map[string]interface{}{
			"/e/LetRecovery/install.json":   `{"target_partition":"/old","image_file_name":"win10.wim","volume_index":1,"format":true,"advanced_options":{},"driver_action":"none","auto_reboot":true,"boot_mode":"uefi"}`,
			"/e/LetRecovery/win10.wim":      "image-bytes",
			"/w/LetRecovery_install.marker": "",
			"/w/Windows/System32/ntdll.dll": fakeNtdll(10, 0),
		})
		defer cleanup()

		imaging := &fakeImaging{}
		o.Images = imaging
		o.Applier = &fakeApplier{}
		o.Boot = &fakeBoot{}
		o.InPE = true
		o.Disks = &fakeDisks{parts: []*types.Partition{
			{Letter: "/w", FileSystem: "NTFS"},
			{Letter: "/e", FileSystem: "NTFS"},
		}}
		o.BitLocker = &fakeBitLocker{status: map[string]types.BitLockerStatus{}, pct: map[string]float32{}}

		rebooted := false
		o.Reboot = func() error { rebooted = true; return nil }

		Expect(o.RunPEPhase([]string{"/e", "/w"})).To(Succeed())
		Expect(imaging.applied).To(HaveLen(1))
		Expect(rebooted).To(BeTrue())

		// clean success removes every marker and staged byte
		_, err := cfg.Fs.Stat("/e/LetRecovery/install.json")
		Expect(err).To(HaveOccurred())
		_, err = cfg.Fs.Stat("/w/LetRecovery_install.marker")
		Expect(err).To(HaveOccurred())
		_, err = cfg.Fs.Stat("/e/LetRecovery/win10.wim")
		Expect(err).To(HaveOccurred())
	})
})
