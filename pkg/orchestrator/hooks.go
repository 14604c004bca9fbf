package orchestrator

import (
	"path/filepath"

	"github.com/letrecovery/deployengine/pkg/events"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// Hook boundaries an operator can attach scripts to, mirroring the
// before/after hook points every pipeline exposes.
const (
	HookPreInstall           = "pre-install"
	HookAfterPartition       = "after-partition"
	HookAfterImageApply      = "after-image-apply"
	HookAfterOfflineRegistry = "after-offline-registry"
	HookPostInstall          = "post-install"
)

// RunHook executes <data>\LetRecovery\hooks\<name>.bat when present and
// notifies plugin subscribers. Hooks are best-effort by contract: a
// failing hook is logged and never fails the pipeline.
func (o *Orchestrator) RunHook(name string) {
	script := filepath.Join(fsutils.LetterRoot(o.cfg.DataRoot), "LetRecovery", "hooks", name+".bat")
	if ok, _ := fsutils.Exists(o.cfg.Fs, script); ok {
		if res, err := o.cfg.Runner.Run("cmd.exe", "/c", script); err != nil || res.ExitCode != 0 {
			o.cfg.Logger.Warnf("hook %s failed: %s", name, err)
		}
	}

	var event = events.EventInstallStart
	switch name {
	case HookPostInstall:
		event = events.EventInstallComplete
	case HookPreInstall:
		event = events.EventInstallStart
	default:
		return
	}
	if err := events.PublishLifecycle(event, events.LifecyclePayload{Message: name}); err != nil {
		o.cfg.Logger.Debugf("lifecycle publish %s: %s", name, err)
	}
}
