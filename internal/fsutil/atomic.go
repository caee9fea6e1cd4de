// Package fsutil holds file helpers shared by the stores and the config materializer.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temporary file in the target directory and renames it over
// path. Readers observe either the old content or the new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// File is one target of WriteFilesAtomic.
type File struct {
	Path string
	Data []byte
}

// WriteFilesAtomic replaces several files as one generation. All temporary files are written
// first; if a rename fails, targets already replaced get their previous content back.
func WriteFilesAtomic(files []File, perm os.FileMode) (err error) {
	staged := make([]string, 0, len(files))
	defer func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}()
	for _, f := range files {
		tmp, err := stage(f, perm)
		if err != nil {
			return err
		}
		staged = append(staged, tmp)
	}

	type replaced struct {
		path, backup string
		created      bool
	}
	var done []replaced
	defer func() {
		for _, r := range done {
			if r.created && err != nil {
				_ = os.Remove(r.path)
			}
			if r.backup == "" {
				continue
			}
			if err != nil {
				_ = os.Rename(r.backup, r.path)
			} else {
				_ = os.Remove(r.backup)
			}
		}
	}()
	for i, f := range files {
		backup := f.Path + ".bak"
		_ = os.Remove(backup)
		_, statErr := os.Stat(f.Path)
		created := errors.Is(statErr, os.ErrNotExist)
		if created || os.Link(f.Path, backup) != nil {
			backup = ""
		}
		if err = os.Rename(staged[i], f.Path); err != nil {
			if backup != "" {
				_ = os.Remove(backup)
			}
			return fmt.Errorf("replace %s: %w", f.Path, err)
		}
		done = append(done, replaced{path: f.Path, backup: backup, created: created})
	}
	return nil
}

func stage(f File, perm os.FileMode) (string, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return name, nil
}
