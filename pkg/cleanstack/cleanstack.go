// Package cleanstack provides the LIFO deferred-cleanup helper used by
// every multi-step orchestrator action.
package cleanstack

import "github.com/hashicorp/go-multierror"

// CleanStack runs a LIFO stack of cleanup functions. Every step of a
// pipeline that acquires a resource (a mounted partition, a loaded registry
// hive, a mounted ESP) pushes its release function immediately after
// acquiring it, so Cleanup always unwinds in reverse acquisition order
// regardless of where the pipeline stopped.
type CleanStack struct {
	fns []func() error
}

func New() *CleanStack {
	return &CleanStack{}
}

// Push registers a cleanup function to run, LIFO, when Cleanup is called.
func (c *CleanStack) Push(fn func() error) {
	c.fns = append(c.fns, fn)
}

// Cleanup runs every pushed function in reverse order, folding any cleanup
// error into the error already in flight (err may be nil). It always runs
// every function even if one of them fails.
func (c *CleanStack) Cleanup(err error) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	for i := len(c.fns) - 1; i >= 0; i-- {
		if cerr := c.fns[i](); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}
	c.fns = nil
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}
