// Package fsutils collects the vfs helpers the standard library provides
// only for the real filesystem: existence checks, MkdirAll, temp files,
// directory walks and plain copies, all against a vfs.FS so every component
// stays testable against an in-memory tree.
package fsutils

import (
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twpayne/go-vfs/v5"
	"github.com/twpayne/go-vfs/v5/vfst"
)

// DirPerm is the default permission bits for directories this engine creates.
const DirPerm = os.ModeDir | os.ModePerm

// FilePerm is the default permission bits for files this engine creates.
const FilePerm os.FileMode = 0644

// LetterRoot turns a drive letter like "D:" into a joinable root path
// ("D:\"); a path that is already a directory (as the test suites use) is
// returned unchanged. Every component joins target-relative paths through
// this so the same code runs against real volumes and an in-memory tree.
func LetterRoot(letter string) string {
	letter = strings.TrimSuffix(letter, `\`)
	if strings.HasSuffix(letter, ":") {
		return letter + `\`
	}
	return letter
}

// DirSize returns the accumulated size of all files in folder.
func DirSize(fs vfs.FS, path string) (int64, error) {
	var size int64
	err := vfs.Walk(fs, path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return err
	})
	return size, err
}

// Exists checks if a file or directory exists.
func Exists(fs vfs.FS, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// IsDir checks if the path is a dir.
func IsDir(fs vfs.FS, path string) (bool, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// MkdirAll creates a directory and all parents if not existing.
func MkdirAll(fs vfs.FS, name string, mode os.FileMode) (err error) {
	if _, isReadOnly := fs.(*vfs.ReadOnlyFS); isReadOnly {
		return permError("mkdir", name)
	}
	if name, err = fs.RawPath(name); err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: err}
	}
	return os.MkdirAll(name, mode)
}

// permError returns an *os.PathError with Err syscall.EPERM.
func permError(op, path string) error {
	return &os.PathError{
		Op:   op,
		Path: path,
		Err:  syscall.EPERM,
	}
}

// Temp-name generation below (the LCG state, TempDir, TempFile) is the
// afero-derived algorithm preserved unchanged: collisions just retry, and
// a test fs gets predictable names.
var rand uint32
var randmu sync.Mutex

func reseed() uint32 {
	return uint32(time.Now().UnixNano() + int64(os.Getpid()))
}

func nextRandom() string {
	randmu.Lock()
	r := rand
	if r == 0 {
		r = reseed()
	}
	r = r*1664525 + 1013904223 // constants from Numerical Recipes
	rand = r
	randmu.Unlock()
	return strconv.Itoa(int(1e9 + r%1e9))[1:]
}

// TempDir creates a temp dir in the virtual fs.
func TempDir(fs vfs.FS, dir, prefix string) (name string, err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	// Skip the random suffix on a test fs so the created dir is predictable.
	if _, isTestFs := fs.(*vfst.TestFS); isTestFs {
		err = MkdirAll(fs, filepath.Join(dir, prefix), 0700)
		if err != nil {
			return "", err
		}
		name = filepath.Join(dir, prefix)
		return
	}
	nconflict := 0
	for i := 0; i < 10000; i++ {
		try := filepath.Join(dir, prefix+nextRandom())
		err = MkdirAll(fs, try, 0700)
		if os.IsExist(err) {
			if nconflict++; nconflict > 10 {
				randmu.Lock()
				rand = reseed()
				randmu.Unlock()
			}
			continue
		}
		if err == nil {
			name = try
		}
		break
	}
	return
}

// TempFile creates a temp file in the virtual fs.
func TempFile(fs vfs.FS, dir, pattern string) (f *os.File, err error) {
	if dir == "" {
		dir = os.TempDir()
	}

	var prefix, suffix string
	if pos := strings.LastIndex(pattern, "*"); pos != -1 {
		prefix, suffix = pattern[:pos], pattern[pos+1:]
	} else {
		prefix = pattern
	}

	nconflict := 0
	for i := 0; i < 10000; i++ {
		name := filepath.Join(dir, prefix+nextRandom()+suffix)
		f, err = fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if os.IsExist(err) {
			if nconflict++; nconflict > 10 {
				randmu.Lock()
				rand = reseed()
				randmu.Unlock()
			}
			continue
		}
		break
	}
	return
}

type statDirEntry struct {
	info iofs.FileInfo
}

func (d *statDirEntry) Name() string                 { return d.info.Name() }
func (d *statDirEntry) IsDir() bool                  { return d.info.IsDir() }
func (d *statDirEntry) Type() iofs.FileMode          { return d.info.Mode().Type() }
func (d *statDirEntry) Info() (iofs.FileInfo, error) { return d.info, nil }

// WalkDirFs is the same as filepath.WalkDir but accepts a vfs.FS so it can
// run over any backing tree.
func WalkDirFs(fs vfs.FS, root string, fn iofs.WalkDirFunc) error {
	info, err := fs.Stat(root)
	if err != nil {
		err = fn(root, nil, err)
	} else {
		err = walkDir(fs, root, &statDirEntry{info}, fn)
	}
	if errors.Is(err, filepath.SkipDir) {
		return nil
	}
	return err
}

func walkDir(fs vfs.FS, path string, d iofs.DirEntry, walkDirFn iofs.WalkDirFunc) error {
	if err := walkDirFn(path, d, nil); err != nil || !d.IsDir() {
		if err == filepath.SkipDir && d.IsDir() {
			// Successfully skipped directory.
			err = nil
		}
		return err
	}

	dirs, err := readDir(fs, path)
	if err != nil {
		// Second call, to report ReadDir error.
		err = walkDirFn(path, d, err)
		if err != nil {
			return err
		}
	}

	for _, d1 := range dirs {
		path1 := filepath.Join(path, d1.Name())
		if err := walkDir(fs, path1, d1, walkDirFn); err != nil {
			if errors.Is(err, filepath.SkipDir) {
				break
			}
			return err
		}
	}
	return nil
}

func readDir(fs vfs.FS, dirname string) ([]iofs.DirEntry, error) {
	dirs, err := fs.ReadDir(dirname)
	if err != nil {
		return nil, err
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })
	return dirs, nil
}

// Copy copies src to dst like the cp command.
func Copy(fs vfs.FS, src, dst string) error {
	if dst == src {
		return os.ErrInvalid
	}

	srcF, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer srcF.Close()

	info, err := srcF.Stat()
	if err != nil {
		return err
	}

	dstF, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer dstF.Close()

	_, err = io.Copy(dstF, srcF)
	return err
}

// CopyDir copies the whole src tree below dst, creating directories as it
// goes. Used for driver exports and custom-file imports.
func CopyDir(fs vfs.FS, src, dst string) error {
	return WalkDirFs(fs, src, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return MkdirAll(fs, target, DirPerm)
		}
		if err := MkdirAll(fs, filepath.Dir(target), DirPerm); err != nil {
			return err
		}
		return Copy(fs, path, target)
	})
}
