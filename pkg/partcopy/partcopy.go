// Package partcopy performs a file-level partition-to-partition copy with
// resumable state. Per-file errors never abort the run; they count
// as failures and the copy moves on, because a half-readable source
// partition is exactly when this tool gets used.
package partcopy

import (
	"encoding/json"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/letrecovery/deployengine/pkg/config"
	"github.com/letrecovery/deployengine/pkg/staging"
	"github.com/letrecovery/deployengine/pkg/types"
	fsutils "github.com/letrecovery/deployengine/pkg/utils/fs"
)

// chunkSize is the per-read unit; small enough that cancellation between
// chunks stays responsive on slow media.
const chunkSize = 64 * 1024

// State is the resumable bookkeeping, persisted next to the target root.
type State struct {
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Copied  map[string]bool `json:"copied"`
	Skipped int             `json:"skipped"`
	Failed  int             `json:"failed"`
}

// stateFileName sits on the target partition root.
const stateFileName = "LetRecovery_copy.state.json"

// Copier runs one source->target copy session.
type Copier struct {
	cfg   *config.Config
	state *State

	// Progress receives (current file, percent of that file).
	Progress func(path string, percent int)
}

func New(cfg *config.Config) *Copier {
	return &Copier{cfg: cfg}
}

func statePath(target string) string {
	return filepath.Join(fsutils.LetterRoot(target), stateFileName)
}

// CanResume reports whether a previous session for the same (source,
// target) pair left state behind.
func (c *Copier) CanResume(source, target string) bool {
	st, err := c.loadState(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(st.Source, source) && strings.EqualFold(st.Target, target)
}

func (c *Copier) loadState(target string) (*State, error) {
	data, err := c.cfg.Fs.ReadFile(statePath(target))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Copied == nil {
		st.Copied = map[string]bool{}
	}
	return &st, nil
}

func (c *Copier) saveState() error {
	data, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	return staging.WriteFileAtomic(c.cfg.Fs, statePath(c.state.Target), data)
}

// Run copies every file under source to target. Resume picks up the prior
// state when the letters match; otherwise a fresh state starts. cancel is
// honored between chunks and between files.
func (c *Copier) Run(source, target string, cancel <-chan struct{}) (*State, error) {
	if c.CanResume(source, target) {
		st, err := c.loadState(target)
		if err == nil {
			c.state = st
		}
	}
	if c.state == nil {
		c.state = &State{Source: source, Target: target, Copied: map[string]bool{}}
	}

	srcRoot := fsutils.LetterRoot(source)
	dstRoot := fsutils.LetterRoot(target)

	err := fsutils.WalkDirFs(c.cfg.Fs, srcRoot, func(path string, d iofs.DirEntry, werr error) error {
		if werr != nil {
			c.state.Failed++
			return nil
		}
		select {
		case <-cancel:
			return types.NewEngineError(types.KindCancelled, "partition copy cancelled", nil)
		default:
		}

		rel, rerr := filepath.Rel(srcRoot, path)
		if rerr != nil || rel == "." {
			return nil
		}
		key := normalizeKey(rel)
		dst := filepath.Join(dstRoot, rel)

		if d.IsDir() {
			if merr := fsutils.MkdirAll(c.cfg.Fs, dst, fsutils.DirPerm); merr != nil {
				c.state.Failed++
			}
			return nil
		}
		if c.state.Copied[key] {
			c.state.Skipped++
			return nil
		}
		if c.sameFile(path, dst) {
			c.state.Skipped++
			c.state.Copied[key] = true
			return nil
		}

		if cerr := c.copyFile(path, dst, cancel); cerr != nil {
			var ee *types.EngineError
			if asEngine(cerr, &ee) && ee.Kind == types.KindCancelled {
				return cerr
			}
			c.cfg.Logger.Warnf("copy %s: %s", rel, cerr)
			c.state.Failed++
			return nil
		}
		c.state.Copied[key] = true
		return nil
	})

	if serr := c.saveState(); serr != nil {
		c.cfg.Logger.Warnf("could not persist copy state: %s", serr)
	}
	return c.state, err
}

// sameFile treats identical size and mtime as already-copied, the
// classic cheap resume heuristic.
func (c *Copier) sameFile(src, dst string) bool {
	si, err := c.cfg.Fs.Stat(src)
	if err != nil {
		return false
	}
	di, err := c.cfg.Fs.Stat(dst)
	if err != nil {
		return false
	}
	return si.Size() == di.Size() && si.ModTime().Equal(di.ModTime())
}

func (c *Copier) copyFile(src, dst string, cancel <-chan struct{}) error {
	fs := c.cfg.Fs

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	total := info.Size()

	if err := fsutils.MkdirAll(fs, filepath.Dir(dst), fsutils.DirPerm); err != nil {
		return err
	}
	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	var copied int64
	for {
		select {
		case <-cancel:
			out.Close()
			return types.NewEngineError(types.KindCancelled, "partition copy cancelled", nil)
		default:
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
			copied += int64(n)
			if c.Progress != nil && total > 0 {
				c.Progress(src, int(copied*100/total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return rerr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return fs.Chtimes(dst, info.ModTime(), info.ModTime())
}

// normalizeKey makes state keys stable across path separators and case.
func normalizeKey(rel string) string {
	return strings.ToLower(strings.ReplaceAll(rel, `\`, "/"))
}

func asEngine(err error, target **types.EngineError) bool {
	for err != nil {
		if ee, ok := err.(*types.EngineError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
