package events

import (
	"os"
	"path/filepath"

	"github.com/mudler/go-pluggable"
)

// External event names published over the go-pluggable bus so that site
// hook executables can react to lifecycle milestones without linking this
// module.
const (
	EventInstallStart    pluggable.EventType = "letrecovery.install.start"
	EventInstallComplete pluggable.EventType = "letrecovery.install.complete"
	EventInstallFailed   pluggable.EventType = "letrecovery.install.failed"
	EventBackupStart     pluggable.EventType = "letrecovery.backup.start"
	EventBackupComplete  pluggable.EventType = "letrecovery.backup.complete"
)

// Manager is the process-wide plugin manager, discovered executables named
// letrecovery-* next to the engine binary are invoked with the event JSON
// on stdin.
var Manager = pluggable.NewManager([]pluggable.EventType{
	EventInstallStart,
	EventInstallComplete,
	EventInstallFailed,
	EventBackupStart,
	EventBackupComplete,
})

var initialized bool

// Initialize autoloads plugins once. Safe to call from every command
// handler; subsequent calls are no-ops.
func Initialize() {
	if initialized {
		return
	}
	dirs := []string{}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	Manager.Autoload("letrecovery", dirs...)
	initialized = true
}

// LifecyclePayload is the JSON body handed to registered plugins, kept
// deliberately small: plugins that need more detail read install.json off
// the data partition themselves rather than this engine growing a payload
// schema that mirrors InstallConfig.
type LifecyclePayload struct {
	TargetPartition string `json:"target_partition,omitempty"`
	Message         string `json:"message,omitempty"`
}

// PublishLifecycle notifies any registered plugin of a milestone. It is
// best-effort: a hook failing to run must never fail the install, so the
// caller logs the returned error at debug level and moves on.
func PublishLifecycle(event pluggable.EventType, payload LifecyclePayload) error {
	Initialize()
	_, err := Manager.Publish(event, payload)
	return err
}
