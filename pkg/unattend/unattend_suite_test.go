package unattend

import (
	"encoding/binary"
	"testing"

	"github.com/Masterminds/semver/v3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/tests/matchers"
	"github.com/letrecovery/deployengine/tests/mocks"
)

func TestUnattendSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Unattend suite")
}

// fakeNtdll builds a minimal PE image with the given machine field and an
// embedded VS_FIXEDFILEINFO carrying the given version.
func fakeNtdll(machine uint16, major, minor, build int) []byte {
	buf := make([]byte, 0x200)
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3C:], 0x80)
	buf[0x80], buf[0x81] = 'P', 'E'
	binary.LittleEndian.PutUint16(buf[0x84:], machine)

	// version block at an aligned offset past the headers
	off := 0x100
	binary.LittleEndian.PutUint32(buf[off:], 0xFEEF04BD)
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(major)<<16|uint32(minor))
	binary.LittleEndian.PutUint32(buf[off+12:], uint32(build)<<16)
	return buf
}

var _ = Describe("DetectTarget", Label("unattend"), func() {
	It("detects Win7 amd64 from ntdll", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/w/Windows/System32/ntdll.dll": string(fakeNtdll(0x8664, 6, 1, 7601)),
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		info, err := DetectTarget(cfg, "/w")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Family).To(Equal(constants.WinFamily7))
		Expect(info.Arch).To(Equal("amd64"))
		Expect(info.Version.Minor()).To(Equal(uint64(1)))
	})

	It("detects Win10 x86", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/w/Windows/System32/ntdll.dll": string(fakeNtdll(0x014C, 10, 0, 19041)),
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		info, err := DetectTarget(cfg, "/w")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Family).To(Equal(constants.WinFamily10))
		Expect(info.Arch).To(Equal("x86"))
	})

	It("maps 6.3 to the Win8 family", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/w/Windows/System32/ntdll.dll": string(fakeNtdll(0x8664, 6, 3, 9600)),
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		info, err := DetectTarget(cfg, "/w")
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Family).To(Equal(constants.WinFamily8))
	})
})

func target(family string) *TargetInfo {
	v := semver.MustParse("10.0.19041")
	if family == constants.WinFamily7 {
		v = semver.MustParse("6.1.7601")
	}
	return &TargetInfo{Family: family, Arch: "amd64", Version: v}
}

var _ = Describe("Generate", Label("unattend"), func() {
	It("emits the Win7 shape", func() {
		xml, err := Generate(target(constants.WinFamily7), Options{})
		Expect(err).ToNot(HaveOccurred())
		s := string(xml)

		Expect(s).To(ContainSubstring(`processorArchitecture="amd64"`))
		Expect(s).To(ContainSubstring("<NetworkLocation>Home</NetworkLocation>"))
		Expect(s).To(ContainSubstring("<HideEULAPage>true</HideEULAPage>"))
		Expect(s).To(ContainSubstring("<ProtectYourPC>3</ProtectYourPC>"))
		Expect(s).NotTo(ContainSubstring("HideLocalAccountScreen"))
		Expect(s).NotTo(ContainSubstring("HideOnlineAccountScreens"))
		Expect(s).NotTo(ContainSubstring("SkipMachineOOBE"))
		Expect(s).NotTo(ContainSubstring("SkipUserOOBE"))
	})

	It("emits the Win10 shape", func() {
		xml, err := Generate(target(constants.WinFamily10), Options{})
		Expect(err).ToNot(HaveOccurred())
		s := string(xml)

		Expect(s).To(ContainSubstring("<HideOnlineAccountScreens>true</HideOnlineAccountScreens>"))
		Expect(s).To(ContainSubstring("<HideWirelessSetupInOOBE>true</HideWirelessSetupInOOBE>"))
		Expect(s).To(ContainSubstring("<SkipMachineOOBE>true</SkipMachineOOBE>"))
		Expect(s).NotTo(ContainSubstring("NetworkLocation"))
	})

	It("defaults the account name to User and sets ComputerName=*", func() {
		xml, err := Generate(target(constants.WinFamily10), Options{})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(xml)).To(ContainSubstring("<Name>User</Name>"))
		Expect(string(xml)).To(ContainSubstring("<ComputerName>*</ComputerName>"))
	})

	It("renders byte-identical output for identical inputs", func() {
		a, err := Generate(target(constants.WinFamily10), Options{Username: "Alice", RemoveUWP: true})
		Expect(err).ToNot(HaveOccurred())
		b, err := Generate(target(constants.WinFamily10), Options{Username: "Alice", RemoveUWP: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(b).To(Equal(a))
	})

	It("orders first-logon commands script, uwp removal, cleanup", func() {
		xml, err := Generate(target(constants.WinFamily10), Options{RemoveUWP: true, HasFirstLogonScript: true})
		Expect(err).ToNot(HaveOccurred())
		s := string(xml)

		first := `firstlogon.bat`
		uwp := `remove_uwp.ps1`
		cleanup := `rd /s /q`
		Expect(indexOf(s, first)).To(BeNumerically("<", indexOf(s, uwp)))
		Expect(indexOf(s, uwp)).To(BeNumerically("<", indexOf(s, cleanup)))
	})

	It("drops the UWP command for Win7 even when toggled on", func() {
		xml, err := Generate(target(constants.WinFamily7), Options{RemoveUWP: true})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(xml)).NotTo(ContainSubstring("remove_uwp"))
	})
})

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

var _ = Describe("Write", Label("unattend"), func() {
	It("writes to Panther always and Sysprep when present", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/w/Windows/System32/Sysprep/.keep": "",
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		Expect(Write(cfg, "/w", []byte("<unattend/>"))).To(Succeed())

		Expect("/w/Windows/Panther/unattend.xml").To(matchers.BeAnExistingFileFs(fs))
		Expect("/w/Windows/System32/Sysprep/unattend.xml").To(matchers.BeAnExistingFileFs(fs))
	})
})

var _ = Describe("ScanExisting", Label("unattend"), func() {
	It("finds a leftover answer file", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/w/Windows/Panther/unattend.xml": "<unattend/>",
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		_, found := ScanExisting(cfg, "/w")
		Expect(found).To(BeTrue())
	})

	It("reports nothing on a clean target", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{"/w/.keep": ""})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
		_, found := ScanExisting(cfg, "/w")
		Expect(found).To(BeFalse())
	})
})
