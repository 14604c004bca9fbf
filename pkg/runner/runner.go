// Package runner spawns the external OS utilities (diskpart, bcdboot,
// manage-bde, Dism, reg, ghost, ...) this engine coordinates, hiding their
// console window and decoding their locale-dependent output. It is a
// small interface over os/exec that every other package takes as a
// dependency instead of calling exec.Command directly, so tests can
// substitute a fake.
package runner

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of a single external command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner is the capability every other component depends on instead of
// exec.Command, so install/backup logic stays testable.
type Runner interface {
	Run(command string, args ...string) (Result, error)
	RunContext(ctx context.Context, command string, args ...string) (Result, error)
	StreamLines(ctx context.Context, onLine func(string), command string, args ...string) error
}

// RealRunner is the production implementation. It hides the child's console
// window (Windows only builds honour hideWindow; see syscall_windows.go)
// and decodes stdout/stderr through the layered fallback in decode.go.
type RealRunner struct {
	Logger *logrus.Logger
}

func New(logger *logrus.Logger) *RealRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RealRunner{Logger: logger}
}

func (r *RealRunner) initCmd(ctx context.Context, command string, args ...string) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, command, args...)
	} else {
		cmd = exec.Command(command, args...)
	}
	hideWindow(cmd)
	return cmd
}

func (r *RealRunner) Run(command string, args ...string) (Result, error) {
	return r.RunContext(context.Background(), command, args...)
}

func (r *RealRunner) RunContext(ctx context.Context, command string, args ...string) (Result, error) {
	cmd := r.initCmd(ctx, command, args...)
	r.Logger.Debugf("running: %s %s", command, strings.Join(args, " "))

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdoutWriter{&stdout}
	cmd.Stderr = &stdoutWriter{&stderr}

	err := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	res := Result{
		ExitCode: exitCode,
		Stdout:   DecodeOutput([]byte(stdout.String())),
		Stderr:   DecodeOutput([]byte(stderr.String())),
	}
	return res, err
}

// stdoutWriter keeps raw bytes rather than decoding as they stream in:
// decoding must see the whole buffer to apply the UTF-8/UTF-16LE/GBK ladder.
type stdoutWriter struct {
	b *strings.Builder
}

func (w *stdoutWriter) Write(p []byte) (int, error) {
	return w.b.Write(p)
}

// StreamLines runs command and calls onLine for each decoded line of
// stdout as it arrives, used by the image engine and quick-partition editor
// to translate external-tool percentages into ProgressEvents.
func (r *RealRunner) StreamLines(ctx context.Context, onLine func(string), command string, args ...string) error {
	cmd := r.initCmd(ctx, command, args...)
	r.Logger.Debugf("streaming: %s %s", command, strings.Join(args, " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := string(DecodeOutput(scanner.Bytes()))
		onLine(line)
	}

	return cmd.Wait()
}
