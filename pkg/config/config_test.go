package config_test

import (
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/tests/mocks"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", Label("config"), func() {
	It("fills in defaults when constructed with no options", func() {
		c := config.NewConfig()
		Expect(c.Fs).NotTo(BeNil())
		Expect(c.Logger).NotTo(BeNil())
		Expect(c.Runner).NotTo(BeNil())
		Expect(c.Bus).NotTo(BeNil())
	})

	It("applies every option passed to NewConfig", func() {
		fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{})
		Expect(err).ToNot(HaveOccurred())
		defer cleanup()

		logger := logrus.New()
		fake := mocks.NewFakeRunner()

		c := config.NewConfig(
			config.WithFs(fs),
			config.WithLogger(logger),
			config.WithRunner(fake),
			config.WithDataRoot(`D:\`),
			config.WithArch(config.ArchArm64),
		)

		Expect(c.Fs).To(Equal(fs))
		Expect(c.Logger).To(Equal(logger))
		Expect(c.Runner).To(Equal(fake))
		Expect(c.DataRoot).To(Equal(`D:\`))
		Expect(c.Arch).To(Equal(config.ArchArm64))
	})

	It("does not replace a runner supplied via WithRunner", func() {
		fake := mocks.NewFakeRunner()
		c := config.NewConfig(config.WithRunner(fake))
		Expect(c.Runner).To(BeIdenticalTo(fake))
	})
})
