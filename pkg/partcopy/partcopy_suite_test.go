package partcopy

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v5/vfst"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/tests/mocks"
)

func TestPartCopySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Partition copy suite")
}

func newCopier(files map[string]interface{}) (*Copier, *config.Config, func()) {
	fs, cleanup, err := vfst.NewTestFS(files)
	Expect(err).ToNot(HaveOccurred())
	cfg := config.NewConfig(config.WithFs(fs), config.WithRunner(mocks.NewFakeRunner()))
	return New(cfg), cfg, cleanup
}

var _ = Describe("Copier", Label("partcopy"), func() {
	It("copies the whole tree and reports per-file progress", func() {
		c, cfg, cleanup := newCopier(map[string]interface{}{
			"/src/a.txt":      "alpha",
			"/src/sub/b.txt":  "bravo",
			"/src/sub/deep/c": "charlie",
			"/dst/.keep":      "",
		})
		defer cleanup()

		var seen []string
		c.Progress = func(path string, pct int) {
			if pct == 100 {
				seen = append(seen, path)
			}
		}

		st, err := c.Run("/src", "/dst", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Failed).To(BeZero())
		Expect(seen).To(HaveLen(3))

		data, err := cfg.Fs.ReadFile("/dst/sub/deep/c")
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("charlie"))
	})

	It("skips unchanged files on a second run and can resume", func() {
		c, _, cleanup := newCopier(map[string]interface{}{
			"/src/a.txt": "alpha",
			"/src/b.txt": "bravo",
			"/dst/.keep": "",
		})
		defer cleanup()

		st, err := c.Run("/src", "/dst", nil)
		Expect(err).ToNot(HaveOccurred())
		copied := len(st.Copied)
		Expect(copied).To(Equal(2))

		Expect(c.CanResume("/src", "/dst")).To(BeTrue())

		c2 := New(c.cfg)
		st2, err := c2.Run("/src", "/dst", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(st2.Skipped).To(BeNumerically(">=", 2))
	})

	It("does not resume for a different source/target pair", func() {
		c, _, cleanup := newCopier(map[string]interface{}{
			"/src/a.txt":   "alpha",
			"/other/a.txt": "alpha",
			"/dst/.keep":   "",
		})
		defer cleanup()

		_, err := c.Run("/src", "/dst", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.CanResume("/other", "/dst")).To(BeFalse())
	})

	It("counts per-file failures without aborting", func() {
		c, cfg, cleanup := newCopier(map[string]interface{}{
			"/src/ok.txt": "fine",
			"/dst/.keep":  "",
		})
		defer cleanup()

		// A directory where a file is expected triggers a copy error.
		Expect(cfg.Fs.Mkdir("/dst/ok.txt", 0755)).To(Succeed())

		st, err := c.Run("/src", "/dst", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Failed).To(Equal(1))
	})

	It("honors cancellation", func() {
		c, _, cleanup := newCopier(map[string]interface{}{
			"/src/a.txt": "alpha",
			"/dst/.keep": "",
		})
		defer cleanup()

		cancel := make(chan struct{})
		close(cancel)
		_, err := c.Run("/src", "/dst", cancel)
		Expect(err).To(HaveOccurred())
	})
})
