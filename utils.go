package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// copyFile copies a regular file from source to destination, creating the
// destination's parent directory if needed.
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := pooledCopy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	// OpenFile's mode is filtered by the umask; the copy must keep its exec bits.
	return os.Chmod(dst, mode)
}

// mkdirTracked works like os.MkdirAll but returns the directories it had to
// create, outermost first, so they can be removed again.
func mkdirTracked(path string, perm os.FileMode) ([]string, error) {
	var missing []string
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return nil, fmt.Errorf("%s exists and is not a directory", p)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		missing = append(missing, p)
		if parent := filepath.Dir(p); parent == p {
			break
		}
	}

	created := make([]string, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], perm); err != nil && !errors.Is(err, os.ErrExist) {
			return created, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}

// ensureMountpoint makes sure host exists as a directory, or as a file when
// wantFile is set (file bind mounts need a file to cover). It returns what
// it created, outermost first.
func ensureMountpoint(host string, wantFile bool) ([]string, error) {
	if !wantFile {
		return mkdirTracked(host, 0755)
	}

	info, err := os.Lstat(host)
	if err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory, cannot bind a file over it", host)
		}
		return nil, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	created, err := mkdirTracked(filepath.Dir(host), 0755)
	if err != nil {
		return created, err
	}
	f, err := os.OpenFile(host, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return created, err
	}
	f.Close()
	return append(created, host), nil
}

// removeCreated removes paths recorded by mkdirTracked or ensureMountpoint,
// innermost first. Non-empty directories are left in place.
func removeCreated(logger *slog.Logger, created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		if err := os.Remove(created[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Debug("Left created path in place", "path", created[i], "error", err)
		}
	}
}

// removePathIfExists removes a single file, treating absence as success.
func removePathIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
