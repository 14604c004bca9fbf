// Package mocks holds the test doubles shared across the engine's package
// test suites.
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/letrecovery/deployengine/pkg/runner"
)

// FakeRunner records every invocation and returns a scripted result keyed
// by the joined command line, falling back to a default result so tests
// that don't care about a given call still pass.
type FakeRunner struct {
	mu       sync.Mutex
	Calls    []string
	Results  map[string]runner.Result
	Errors   map[string]error
	Lines    map[string][]string
	Default  runner.Result
	DefaultE error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Results: map[string]runner.Result{},
		Errors:  map[string]error{},
		Lines:   map[string][]string{},
	}
}

func key(command string, args ...string) string {
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}

func (f *FakeRunner) SetResult(cmdline string, res runner.Result, err error) {
	f.Results[cmdline] = res
	f.Errors[cmdline] = err
}

func (f *FakeRunner) SetLines(cmdline string, lines []string) {
	f.Lines[cmdline] = lines
}

func (f *FakeRunner) Run(command string, args ...string) (runner.Result, error) {
	return f.RunContext(context.Background(), command, args...)
}

func (f *FakeRunner) RunContext(_ context.Context, command string, args ...string) (runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(command, args...)
	f.Calls = append(f.Calls, k)
	if res, ok := f.Results[k]; ok {
		return res, f.Errors[k]
	}
	return f.Default, f.DefaultE
}

func (f *FakeRunner) StreamLines(_ context.Context, onLine func(string), command string, args ...string) error {
	f.mu.Lock()
	k := key(command, args...)
	f.Calls = append(f.Calls, k)
	lines := f.Lines[k]
	err := f.Errors[k]
	f.mu.Unlock()

	for _, l := range lines {
		onLine(l)
	}
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("fake runner: no scripted lines for %q", k)
	}
	return nil
}
