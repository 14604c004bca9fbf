// Package offlinereg edits the registry of a Windows installation that is
// not running: the target's hive files are loaded under synthetic roots
// below HKLM so keys like HKLM\<synth>\ControlSet001\Services\X address the
// offline system. Load/unload and .reg import go through reg.exe (whose
// output the runner decodes per code page); value reads use a native fast
// path on Windows builds.
package offlinereg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/constants"
	"github.com/letrecovery/deployengine/pkg/types"
)

// Registry tracks which hives this process has loaded. A synthetic name is
// a global lock: loading the same name twice without an unload in between
// is a bug in the caller, so Load recovers by unloading first.
type Registry struct {
	cfg    *config.Config
	loaded map[string]string // synthetic name -> hive file path
}

func New(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, loaded: map[string]string{}}
}

// Load mounts the hive file at hivePath under HKLM\<name>. If the name is
// already occupied (a previous run crashed without unloading) it unloads
// and retries once.
func (r *Registry) Load(name, hivePath string) error {
	res, err := r.cfg.Runner.Run(constants.ToolReg, "load", `HKLM\`+name, hivePath)
	if err != nil || res.ExitCode != 0 {
		// A stale mount from a crashed run occupies the name; reclaim it.
		if unloadErr := r.unload(name); unloadErr == nil {
			res, err = r.cfg.Runner.Run(constants.ToolReg, "load", `HKLM\`+name, hivePath)
		}
	}
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("loading hive %s as HKLM\\%s: %s", hivePath, name, strings.TrimSpace(string(res.Stdout))), err)
	}
	r.loaded[name] = hivePath
	r.cfg.Logger.Debugf("loaded hive %s as HKLM\\%s", hivePath, name)
	return nil
}

// Unload releases the hive mounted under HKLM\<name>. Failure to unload is
// reported but callers that are exiting a phase may log it and continue.
func (r *Registry) Unload(name string) error {
	if err := r.unload(name); err != nil {
		return err
	}
	delete(r.loaded, name)
	return nil
}

func (r *Registry) unload(name string) error {
	res, err := r.cfg.Runner.Run(constants.ToolReg, "unload", `HKLM\`+name)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("unloading HKLM\\%s: %s", name, strings.TrimSpace(string(res.Stdout))), err)
	}
	r.cfg.Logger.Debugf("unloaded HKLM\\%s", name)
	return nil
}

// UnloadAll unloads every hive this Registry loaded, in no particular
// order, and reports the first failure. Called on every phase exit path.
func (r *Registry) UnloadAll() error {
	var firstErr error
	for name := range r.loaded {
		if err := r.unload(name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.cfg.Logger.Warnf("hive %s did not unload cleanly: %s", name, err)
			continue
		}
		delete(r.loaded, name)
	}
	return firstErr
}

// Loaded reports whether a hive is currently mounted under name.
func (r *Registry) Loaded(name string) bool {
	_, ok := r.loaded[name]
	return ok
}

// LoadedHives returns the (name, path) pairs currently mounted, so a caller
// that must unload before spawning a driver-injection tool can reload the
// same set afterwards.
func (r *Registry) LoadedHives() map[string]string {
	out := make(map[string]string, len(r.loaded))
	for k, v := range r.loaded {
		out[k] = v
	}
	return out
}

// CreateKey creates keyPath (relative to HKLM) including intermediate keys.
func (r *Registry) CreateKey(keyPath string) error {
	res, err := r.cfg.Runner.Run(constants.ToolReg, "add", `HKLM\`+keyPath, "/f")
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("creating key HKLM\\%s", keyPath), err)
	}
	return nil
}

// SetDWORD writes a REG_DWORD value under HKLM\keyPath.
func (r *Registry) SetDWORD(keyPath, valueName string, value uint32) error {
	return r.setValue(keyPath, valueName, "REG_DWORD", strconv.FormatUint(uint64(value), 10))
}

// SetString writes a REG_SZ value under HKLM\keyPath.
func (r *Registry) SetString(keyPath, valueName, value string) error {
	return r.setValue(keyPath, valueName, "REG_SZ", value)
}

// SetExpandString writes a REG_EXPAND_SZ value under HKLM\keyPath.
func (r *Registry) SetExpandString(keyPath, valueName, value string) error {
	return r.setValue(keyPath, valueName, "REG_EXPAND_SZ", value)
}

func (r *Registry) setValue(keyPath, valueName, valueType, data string) error {
	args := []string{"add", `HKLM\` + keyPath, "/t", valueType, "/d", data, "/f"}
	if valueName == "" {
		args = append(args[:2], append([]string{"/ve"}, args[2:]...)...)
	} else {
		args = append(args[:2], append([]string{"/v", valueName}, args[2:]...)...)
	}
	res, err := r.cfg.Runner.Run(constants.ToolReg, args...)
	if err != nil || res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("setting HKLM\\%s!%s (%s)", keyPath, valueName, valueType), err)
	}
	return nil
}

// DeleteValue removes a value under HKLM\keyPath, ignoring absence.
func (r *Registry) DeleteValue(keyPath, valueName string) error {
	res, err := r.cfg.Runner.Run(constants.ToolReg, "delete", `HKLM\`+keyPath, "/v", valueName, "/f")
	if err != nil && res.ExitCode != 0 {
		return types.NewEngineError(types.KindRegistry,
			fmt.Sprintf("deleting HKLM\\%s!%s", keyPath, valueName), err)
	}
	return nil
}
