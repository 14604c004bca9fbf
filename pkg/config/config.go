// Package config builds the process-wide Config every command handler and
// component takes as a dependency: a small struct wrapping Fs/Logger/
// Runner behind functional options, built by NewConfig and threaded down
// instead of touched as a global, so tests construct one with fakes
// instead of hitting the real OS.
package config

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/twpayne/go-vfs/v5"

	"github.com/letrecovery/deployengine/pkg/events"
	"github.com/letrecovery/deployengine/pkg/runner"
)

// Arch is narrowed to the two architectures LetRecovery images actually
// ship for.
type Arch string

const (
	ArchAmd64 Arch = "amd64"
	ArchArm64 Arch = "arm64"
)

// Config is threaded through every component: the orchestrator, image
// engine, boot manager, registry editor. It intentionally has no import of
// pkg/types so those value types stay free of a cycle back here.
type Config struct {
	Fs     vfs.FS
	Logger *logrus.Logger
	Runner runner.Runner
	Bus    *events.Bus
	Arch   Arch

	// DataRoot is the drive letter (e.g. `D:\`) holding the LetRecovery
	// data partition; most components resolve their working paths under it.
	DataRoot string
}

type Option func(*Config)

func WithFs(fs vfs.FS) Option {
	return func(c *Config) { c.Fs = fs }
}

func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithRunner(r runner.Runner) Option {
	return func(c *Config) { c.Runner = r }
}

func WithBus(b *events.Bus) Option {
	return func(c *Config) { c.Bus = b }
}

func WithDataRoot(root string) Option {
	return func(c *Config) { c.DataRoot = root }
}

func WithArch(a Arch) Option {
	return func(c *Config) { c.Arch = a }
}

// NewConfig wires defaults and applies opts, delaying Runner construction
// until after options run so WithRunner can fully replace it and a
// WithLogger logger ends up inside the default runner.
func NewConfig(opts ...Option) *Config {
	log := logrus.New()
	if viper.GetBool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	c := &Config{
		Fs:     vfs.OSFS,
		Logger: log,
		Bus:    events.NewBus(),
		Arch:   hostArch(),
	}
	for _, o := range opts {
		o(c)
	}

	if c.Runner == nil {
		c.Runner = runner.New(c.Logger)
	}

	return c
}

func hostArch() Arch {
	if runtime.GOARCH == "arm64" {
		return ArchArm64
	}
	return ArchAmd64
}
