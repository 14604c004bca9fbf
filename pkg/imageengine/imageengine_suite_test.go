package imageengine

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/runner"
	"github.com/letrecovery/deployengine/pkg/types"
	"github.com/letrecovery/deployengine/tests/mocks"
)

func TestImageEngineSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Image engine suite")
}

var _ = Describe("Classify", Label("imageengine"), func() {
	It("classifies WindowsPE by installation type, never installable", func() {
		info := &types.ImageInfo{InstallationType: types.InstallationWindowsPE, Name: "Microsoft Windows PE (x64)"}
		Expect(Classify(info)).To(Equal(types.KindWindowsPE))
		Expect(types.KindWindowsPE.Installable()).To(BeFalse())
	})

	It("classifies Client and Server as standard installs", func() {
		Expect(Classify(&types.ImageInfo{InstallationType: types.InstallationClient})).
			To(Equal(types.KindStandardInstall))
		Expect(Classify(&types.ImageInfo{InstallationType: types.InstallationServer})).
			To(Equal(types.KindStandardInstall))
	})

	It("classifies an empty type with a version as a full backup", func() {
		info := &types.ImageInfo{InstallationType: "", Name: "Windows 10 Pro", MajorVersion: 10}
		Expect(Classify(info)).To(Equal(types.KindFullBackup))
	})

	It("falls back to PE name markers", func() {
		info := &types.ImageInfo{Name: "Custom Setup Media"}
		Expect(Classify(info)).To(Equal(types.KindWindowsPE))
	})

	It("falls back to backup name markers, including Chinese", func() {
		Expect(Classify(&types.ImageInfo{Name: "我的备份"})).To(Equal(types.KindFullBackup))
		Expect(Classify(&types.ImageInfo{Name: "镜像 1"})).To(Equal(types.KindFullBackup))
		Expect(Classify(&types.ImageInfo{Name: "Windows Server 2022"})).To(Equal(types.KindFullBackup))
	})

	It("keeps an unrecognized non-empty type Unknown but installable", func() {
		info := &types.ImageInfo{InstallationType: "Embedded", Name: "Thing"}
		Expect(Classify(info)).To(Equal(types.KindUnknown))
		Expect(InstallableIndexes([]types.ImageInfo{{Index: 1, Kind: types.KindUnknown}})).
			To(Equal([]int{1}))
	})

	It("selects the installable set and default for a mixed image", func() {
		infos := []types.ImageInfo{
			{Index: 1, Name: "Windows 11 Pro", InstallationType: types.InstallationClient},
			{Index: 2, Name: "Windows PE", InstallationType: types.InstallationWindowsPE},
			{Index: 3, Name: "镜像 1", InstallationType: "", MajorVersion: 10},
		}
		for i := range infos {
			infos[i].Kind = Classify(&infos[i])
		}
		Expect(InstallableIndexes(infos)).To(Equal([]int{1, 3}))
		Expect(DefaultSelection(infos)).To(Equal(1))
	})
})

var _ = Describe("ParseImageDetails", Label("imageengine"), func() {
	It("reads a detail block", func() {
		out := `
Details for image : C:\images\win10.wim

Index : 1
Name : Windows 10 Pro
Description : Windows 10 Pro
Architecture : x64
Version : 10.0.19041
Installation : Client
`
		info := ParseImageDetails(out)
		Expect(info.Name).To(Equal("Windows 10 Pro"))
		Expect(info.InstallationType).To(Equal(types.InstallationClient))
		Expect(info.Architecture).To(Equal("amd64"))
		Expect(info.MajorVersion).To(Equal(10))
		Expect(info.MinorVersion).To(Equal(0))
	})
})

var _ = Describe("Engine", Label("imageengine"), func() {
	var fake *mocks.FakeRunner
	var engine *Engine

	BeforeEach(func() {
		fake = mocks.NewFakeRunner()
		cfg := config.NewConfig(config.WithRunner(fake))
		engine = New(cfg)
	})

	It("maps servicing-tool output onto monotonic progress", func() {
		fake.SetLines(`Dism.exe /Apply-Image /ImageFile:C:\img.wim /Index:1 /ApplyDir:D:\`, []string{
			"Applying image",
			"[=====                      10.0%                           ]",
			"[==========                 35.5%                           ]",
			"[==========                 30.0%                           ]",
			"[===========================100.0%==========================]",
			"The operation completed successfully.",
		})

		var got []int
		err := engine.Apply(`C:\img.wim`, 1, "D:", func(p int) { got = append(got, p) })
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal([]int{10, 35, 100}))
	})

	It("refuses to apply onto a locked target", func() {
		engine.LockedCheck = func(string) (bool, error) { return true, nil }
		err := engine.Apply(`C:\img.wim`, 1, "D:", nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("BitLocker-locked"))
		Expect(fake.Calls).To(BeEmpty())
	})

	It("passes the SWM volume pattern when applying a split image", func() {
		fake.SetLines(`Dism.exe /Apply-Image /ImageFile:E:\win.swm /Index:1 /ApplyDir:D:\ /SWMFile:E:\win*.swm`,
			[]string{"100%"})
		Expect(engine.Apply(`E:\win.swm`, 1, "D:", nil)).To(Succeed())
	})

	It("captures ESD with recovery compression", func() {
		fake.SetLines(`Dism.exe /Capture-Image /ImageFile:E:\backup.esd /CaptureDir:C:\ /Name:backup /Compress:recovery`,
			[]string{"100%"})
		Expect(engine.Capture("C:", `E:\backup.esd`, "backup", "", types.FormatESD, false, 0, nil)).
			To(Succeed())
	})

	It("appends for an incremental capture", func() {
		fake.SetLines(`Dism.exe /Append-Image /ImageFile:E:\backup.wim /CaptureDir:C:\ /Name:backup2`,
			[]string{"100%"})
		Expect(engine.Capture("C:", `E:\backup.wim`, "backup2", "", types.FormatWIM, true, 0, nil)).
			To(Succeed())
	})

	It("enumerates volumes and classifies them", func() {
		fake.SetResult(`Dism.exe /Get-WimInfo /WimFile:C:\img.wim`, runner.Result{
			Stdout: []byte("Index : 1\nName : Windows 10 Pro\n\nIndex : 2\nName : Windows PE\n"),
		}, nil)
		fake.SetResult(`Dism.exe /Get-WimInfo /WimFile:C:\img.wim /Index:1`, runner.Result{
			Stdout: []byte("Index : 1\nName : Windows 10 Pro\nArchitecture : x64\nVersion : 10.0.19041\nInstallation : Client\n"),
		}, nil)
		fake.SetResult(`Dism.exe /Get-WimInfo /WimFile:C:\img.wim /Index:2`, runner.Result{
			Stdout: []byte("Index : 2\nName : Windows PE\nArchitecture : x64\nVersion : 10.0.19041\nInstallation : WindowsPE\n"),
		}, nil)

		infos, err := engine.Enumerate(`C:\img.wim`)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(2))
		Expect(infos[0].Kind).To(Equal(types.KindStandardInstall))
		Expect(infos[1].Kind).To(Equal(types.KindWindowsPE))
	})
})
