package orchestrator

import "github.com/letrecovery/deployengine/pkg/types"

// Step is one pipeline stage with its share of the total progress bar.
type Step struct {
	ID     int
	Name   string
	Weight int // percent of the whole operation
}

// DirectSteps is the seven-step in-place install pipeline.
var DirectSteps = []Step{
	{1, "Format partition", 5},
	{2, "Export drivers", 5},
	{3, "Apply image", 80},
	{4, "Import drivers", 3},
	{5, "Repair boot", 3},
	{6, "Apply options", 3},
	{7, "Finalize", 1},
}

// ViaPESteps is the six-step staging pipeline run before the reboot.
var ViaPESteps = []Step{
	{1, "Stage PE image", 10},
	{2, "Register PE boot entry", 10},
	{3, "Export drivers", 10},
	{4, "Copy image", 40},
	{5, "Write staging config", 10},
	{6, "Ready for reboot", 20},
}

// OverallProgress maps (step index, step-local percent) onto the piecewise
// linear total, using the step weights.
func OverallProgress(steps []Step, stepIdx, stepPercent int) int {
	if stepIdx < 0 {
		return 0
	}
	if stepIdx >= len(steps) {
		return 100
	}
	total := 0
	for i := 0; i < stepIdx; i++ {
		total += steps[i].Weight
	}
	if stepPercent < 0 {
		stepPercent = 0
	}
	if stepPercent > 100 {
		stepPercent = 100
	}
	return total + steps[stepIdx].Weight*stepPercent/100
}

// enterStep publishes the step transition and resets step progress.
func (o *Orchestrator) enterStep(s Step) {
	o.publish(types.StepChange(s.ID, s.Name))
	o.publish(types.StepProgress(0))
}

// stepDone pins the step's progress at 100.
func (o *Orchestrator) stepDone() {
	o.publish(types.StepProgress(100))
}
