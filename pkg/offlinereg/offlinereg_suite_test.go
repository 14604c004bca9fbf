package offlinereg_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/offlinereg"
	"github.com/letrecovery/deployengine/pkg/runner"
	"github.com/letrecovery/deployengine/tests/mocks"
)

func TestOfflineRegSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Offline registry suite")
}

var _ = Describe("Registry", Label("offlinereg"), func() {
	var fake *mocks.FakeRunner
	var reg *offlinereg.Registry

	BeforeEach(func() {
		fake = mocks.NewFakeRunner()
		cfg := config.NewConfig(config.WithRunner(fake))
		reg = offlinereg.New(cfg)
	})

	It("loads and unloads a hive under its synthetic name", func() {
		Expect(reg.Load("LETR_SYSTEM", `W:\Windows\System32\config\SYSTEM`)).To(Succeed())
		Expect(reg.Loaded("LETR_SYSTEM")).To(BeTrue())
		Expect(reg.Unload("LETR_SYSTEM")).To(Succeed())
		Expect(reg.Loaded("LETR_SYSTEM")).To(BeFalse())

		Expect(fake.Calls).To(Equal([]string{
			`reg.exe load HKLM\LETR_SYSTEM W:\Windows\System32\config\SYSTEM`,
			`reg.exe unload HKLM\LETR_SYSTEM`,
		}))
	})

	It("recovers a name occupied by a stale mount", func() {
		fake.SetResult(`reg.exe load HKLM\LETR_SYSTEM W:\hive`, runner.Result{ExitCode: 1}, nil)

		// First load fails, unload reclaims, but the scripted retry still
		// returns the same failure result, so Load reports an error.
		Expect(reg.Load("LETR_SYSTEM", `W:\hive`)).NotTo(Succeed())
		Expect(fake.Calls).To(ContainElement(`reg.exe unload HKLM\LETR_SYSTEM`))
	})

	It("composes reg add for a DWORD value", func() {
		Expect(reg.SetDWORD(`LETR_SYSTEM\ControlSet001\Services\wuauserv`, "Start", 4)).To(Succeed())
		Expect(fake.Calls).To(ContainElement(
			`reg.exe add HKLM\LETR_SYSTEM\ControlSet001\Services\wuauserv /v Start /t REG_DWORD /d 4 /f`))
	})

	It("composes reg add for a default (unnamed) value", func() {
		Expect(reg.SetString(`LETR_SOFTWARE\Classes\CLSID\{x}\InprocServer32`, "", "")).To(Succeed())
		Expect(fake.Calls).To(ContainElement(
			`reg.exe add HKLM\LETR_SOFTWARE\Classes\CLSID\{x}\InprocServer32 /ve /t REG_SZ /d  /f`))
	})
})

var _ = Describe("RewriteRegRoots", Label("offlinereg"), func() {
	It("moves HKLM roots under the synthetic hives", func() {
		in := "Windows Registry Editor Version 5.00\r\n\r\n" +
			"[HKEY_LOCAL_MACHINE\\SOFTWARE\\Policies\\Microsoft]\r\n" +
			"\"Value\"=dword:00000001\r\n" +
			"[HKEY_LOCAL_MACHINE\\SYSTEM\\ControlSet001\\Services\\X]\r\n"

		out := offlinereg.RewriteRegRoots(in)
		Expect(out).To(ContainSubstring(`[HKEY_LOCAL_MACHINE\LETR_SOFTWARE\Policies\Microsoft]`))
		Expect(out).To(ContainSubstring(`[HKEY_LOCAL_MACHINE\LETR_SYSTEM\ControlSet001\Services\X]`))
		Expect(out).NotTo(ContainSubstring(`[HKEY_LOCAL_MACHINE\SOFTWARE`))
	})

	It("moves HKCU into the default-user hive", func() {
		in := `[HKEY_CURRENT_USER\Control Panel\Desktop]`
		Expect(offlinereg.RewriteRegRoots(in)).
			To(Equal(`[HKEY_LOCAL_MACHINE\LETR_DEFAULT_USER\Control Panel\Desktop]`))
	})
})

var _ = Describe("ImportRegFile", Label("offlinereg"), func() {
	It("rejects a file without a registry header, naming the line", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/work/bad.reg": "[HKEY_LOCAL_MACHINE\\SOFTWARE\\X]\n",
			"/tmp/.keep":    "",
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		fake := mocks.NewFakeRunner()
		cfg := config.NewConfig(config.WithRunner(fake), config.WithFs(fs))
		reg := offlinereg.New(cfg)

		err = reg.ImportRegFile("/work/bad.reg")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("line 1"))
		Expect(fake.Calls).To(BeEmpty())
	})

	It("imports a valid file through reg.exe after rewriting", func() {
		content := "Windows Registry Editor Version 5.00\n\n" +
			"[HKEY_CURRENT_USER\\Software\\Test]\n" +
			"\"A\"=dword:00000001\n"
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{
			"/work/good.reg": content,
			"/tmp/.keep":     "",
		})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		fake := mocks.NewFakeRunner()
		cfg := config.NewConfig(config.WithRunner(fake), config.WithFs(fs))
		reg := offlinereg.New(cfg)

		Expect(reg.ImportRegFile("/work/good.reg")).To(Succeed())
		Expect(fake.Calls).To(HaveLen(1))
		Expect(fake.Calls[0]).To(HavePrefix("reg.exe import "))
	})
})
