package events

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/letrecovery/deployengine/pkg/types"
)

func TestEventsSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Events suite")
}

var _ = Describe("Bus", Label("events"), func() {
	It("delivers published events to a subscriber", func() {
		b := NewBus()
		ch, unsub := b.Subscribe()
		defer unsub()

		b.Publish(types.StepChange(1, "Format partition"))

		Eventually(ch, time.Second).Should(Receive(Equal(types.StepChange(1, "Format partition"))))
	})

	It("stops delivering after unsubscribe", func() {
		b := NewBus()
		ch, unsub := b.Subscribe()
		unsub()

		b.Publish(types.Completed())

		_, ok := <-ch
		Expect(ok).To(BeFalse())
	})

	It("does not block when a subscriber is not draining", func() {
		b := NewBus()
		_, unsub := b.Subscribe()
		defer unsub()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				b.Publish(types.StepProgress(i % 101))
			}
			close(done)
		}()

		Eventually(done, time.Second).Should(BeClosed())
	})
})
