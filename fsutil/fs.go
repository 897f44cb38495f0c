// Package fsutil is the file system collaborator of the loader: globbing, whole-file reads, copies,
// deletes and path decomposition over an afero file system.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FS wraps an afero file system.
type FS struct {
	afero.Fs
}

// OS is the real file system.
func OS() FS { return FS{Fs: afero.NewOsFs()} }

// Memory is an in-memory file system.
func Memory() FS { return FS{Fs: afero.NewMemMapFs()} }

// Glob returns the files matching pattern, sorted. A pattern without meta characters yields itself
// when the file exists.
func (f FS) Glob(pattern string) ([]string, error) {
	return afero.Glob(f.Fs, pattern)
}

// ReadFile reads the whole file.
func (f FS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.Fs, path)
}

// WriteFile writes data, creating or truncating path.
func (f FS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return afero.WriteFile(f.Fs, path, data, perm)
}

// Exists reports whether path exists.
func (f FS) Exists(path string) bool {
	ok, err := afero.Exists(f.Fs, path)
	return ok && err == nil
}

// Remove deletes a file.
func (f FS) Remove(path string) error {
	return f.Fs.Remove(path)
}

// ModTime is the last modification time of path.
func (f FS) ModTime(path string) (time.Time, error) {
	st, err := f.Fs.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}

// TempDir creates a fresh directory under dir (the system default when empty).
func (f FS) TempDir(dir, prefix string) (string, error) {
	return afero.TempDir(f.Fs, dir, prefix)
}

// CopyFile from src to dest with optional src file info
func (f FS) CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := f.Fs.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	df, err := f.Fs.Create(dest)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(df)
	_, err = io.Copy(df, sf)
	if err == nil {
		if si == nil {
			si, err = f.Fs.Stat(src)
			if err != nil {
				return
			}
		}
		err = f.Fs.Chmod(dest, si.Mode())
	}
	return errors.Wrapf(err, "copy %s to %s", src, dest)
}

// CopyDir from src to dest with optional src file info
func (f FS) CopyDir(src string, dest string, si fs.FileInfo) (err error) {
	if si == nil {
		si, err = f.Fs.Stat(src)
		if err != nil {
			return err
		}
	}
	err = f.Fs.MkdirAll(dest, si.Mode())
	if err != nil {
		return err
	}
	var sp string
	return afero.Walk(f.Fs, src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		sp, err = filepath.Rel(src, filepath.Dir(path))
		if err != nil {
			return err
		}
		dp := filepath.Join(dest, sp, info.Name())
		if info.IsDir() {
			return f.Fs.MkdirAll(dp, info.Mode())
		}
		return f.CopyFile(path, dp, info)
	})
}

// SplitDirFile separates the directory (with trailing separator) from the file name.
// It returns the index where the file name starts.
func SplitDirFile(path string) (dir, file string, at int) {
	at = strings.LastIndexAny(path, "/"+string(os.PathSeparator)) + 1
	return path[:at], path[at:], at
}

// SplitFileExt separates a file name from its extension (without the dot).
// It returns the index of the dot, or len(name) when there is none.
func SplitFileExt(name string) (file, ext string, at int) {
	_, base, off := SplitDirFile(name)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return name, "", len(name)
	}
	at = off + i
	return name[:at], name[at+1:], at
}
