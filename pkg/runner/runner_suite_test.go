package runner

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRunnerSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Runner suite")
}

var _ = Describe("DecodeOutput", Label("decode"), func() {
	It("passes through clean ASCII/UTF-8", func() {
		Expect(DecodeOutput([]byte("DiskPart succeeded in creating the specified partition."))).
			To(Equal([]byte("DiskPart succeeded in creating the specified partition.")))
	})

	It("decodes a UTF-16LE BOM-prefixed buffer", func() {
		// "OK" encoded as UTF-16LE with a BOM.
		in := []byte{0xFF, 0xFE, 'O', 0x00, 'K', 0x00}
		Expect(string(DecodeOutput(in))).To(Equal("OK"))
	})

	It("is idempotent on the same byte string", func() {
		in := []byte("某些中文输出")
		first := DecodeOutput(in)
		second := DecodeOutput(in)
		Expect(second).To(Equal(first))
	})

	It("returns empty input unchanged", func() {
		Expect(DecodeOutput(nil)).To(BeNil())
	})
})
