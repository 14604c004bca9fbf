package engine

import (
	"fmt"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/orchestrator"
	"github.com/letrecovery/deployengine/pkg/types"
)

// RunOperation executes op on a worker goroutine and renders the event
// stream on the calling (UI) goroutine until the terminal event arrives.
// The returned error is the pipeline's outcome.
func RunOperation(cfg *config.Config, steps []orchestrator.Step, op func() error) error {
	ch, unsub := cfg.Bus.Subscribe()
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- op() }()

	stepIdx := -1
	lastOverall := -1
	var opErr error
	finished := false
	for !finished {
		select {
		case ev, ok := <-ch:
			if !ok {
				finished = true
				break
			}
			switch ev.Kind {
			case types.EventStepChange:
				stepIdx = ev.StepID - 1
				fmt.Printf("==> [%d] %s\n", ev.StepID, ev.StepName)
			case types.EventStepProgress:
				overall := orchestrator.OverallProgress(steps, stepIdx, ev.Percent)
				if overall != lastOverall {
					lastOverall = overall
					fmt.Printf("\r    %3d%% (total %3d%%)", ev.Percent, overall)
					if ev.Percent == 100 {
						fmt.Println()
					}
				}
			case types.EventStatus:
				fmt.Printf("    %s\n", ev.Message)
			case types.EventDecryptingPartitions:
				fmt.Printf("\r    decrypting %v: %3.0f%%", ev.DecryptingList, ev.DecryptionProgress())
			case types.EventCompleted:
				fmt.Println("==> completed")
			case types.EventFailed:
				fmt.Printf("==> failed: %s\n", ev.FailReason)
			}
		case err := <-done:
			opErr = err
			finished = true
		}
	}

	// Drain whatever the worker still published before it returned.
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return opErr
			}
			if ev.Kind == types.EventFailed {
				fmt.Printf("==> failed: %s\n", ev.FailReason)
			}
			if ev.Kind == types.EventCompleted {
				fmt.Println("==> completed")
			}
		default:
			return opErr
		}
	}
}
