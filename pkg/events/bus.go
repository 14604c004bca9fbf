// Package events fans out ProgressEvents from the orchestrator to whoever
// is watching a run: a CLI progress bar, an SSE client, or an external
// hook script. The in-process fan-out is a plain typed channel bus; the
// external hook path publishes named lifecycle events over go-pluggable.
package events

import (
	"sync"

	"github.com/letrecovery/deployengine/pkg/types"
)

// Bus fans a single stream of ProgressEvents out to any number of
// subscribers. Subscribers that stop reading are dropped rather than
// blocking the publisher, since a stalled UI must never stall the install.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan types.ProgressEvent
	next int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan types.ProgressEvent{}}
}

// Subscribe returns a channel of future events and an unsubscribe func.
// The channel is buffered so a burst of StepProgress events never blocks
// Publish; if a subscriber still falls behind, its oldest events are
// dropped rather than stalling the run.
func (b *Bus) Subscribe() (<-chan types.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan types.ProgressEvent, 64)
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsub
}

// Publish delivers ev to every current subscriber. A full subscriber
// channel has its oldest event dropped to make room rather than blocking.
func (b *Bus) Publish(ev types.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
