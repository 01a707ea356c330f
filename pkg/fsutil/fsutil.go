package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrHoistConflict is returned by HoistChildren when a child would
// overwrite an existing entry.
var ErrHoistConflict = errors.New("entry already exists")

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	parts := strings.Split(owner, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", parts[0], err)
	}

	gid, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", parts[1], err)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates directory and sets ownership.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// WriteFile writes file and sets ownership.
func WriteFile(path string, data []byte, perm os.FileMode, owner *OwnerConfig) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// CopyToFile streams r into a new file at path and sets ownership.
func CopyToFile(path string, r io.Reader, perm os.FileMode, owner *OwnerConfig) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) //nolint:gosec // caller validates path
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	Chown(path, owner)

	return nil
}

// ResetDir removes path (if it exists) and recreates it empty.
func ResetDir(path string, owner *OwnerConfig) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}

	if err := MkdirAll(path, 0o755, owner); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	return nil
}

// HoistChildren moves every immediate child of dir/child into dir and
// removes the emptied child directory. A child that shares the wrapper's
// name is handled by moving the wrapper aside first. Fails without moving
// anything if a child would overwrite an existing entry in dir.
func HoistChildren(dir, child string) error {
	wrapper := filepath.Join(dir, child)

	entries, err := os.ReadDir(wrapper)
	if err != nil {
		return fmt.Errorf("reading %s: %w", wrapper, err)
	}

	for _, e := range entries {
		if e.Name() == child {
			continue
		}

		if _, err := os.Lstat(filepath.Join(dir, e.Name())); err == nil {
			return fmt.Errorf("cannot hoist %q into %s: %w", e.Name(), dir, ErrHoistConflict)
		}
	}

	aside := filepath.Join(dir, ".hoist-"+strconv.FormatInt(int64(os.Getpid()), 10)+"-"+child)
	if err := os.Rename(wrapper, aside); err != nil {
		return fmt.Errorf("moving %s aside: %w", wrapper, err)
	}

	for _, e := range entries {
		from := filepath.Join(aside, e.Name())
		to := filepath.Join(dir, e.Name())

		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("moving %s to %s: %w", from, to, err)
		}
	}

	if err := os.Remove(aside); err != nil {
		return fmt.Errorf("removing %s: %w", aside, err)
	}

	return nil
}
