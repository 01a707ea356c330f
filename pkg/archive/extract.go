package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/reportoor/pkg/fsutil"
)

// IndexFile is the entry point a preview is served from.
const IndexFile = "index.html"

// ignoredTopLevel lists packaging artifacts that do not count as a
// wrapping folder.
var ignoredTopLevel = map[string]struct{}{
	"__MACOSX": {},
}

// Extract unpacks every archive entry into dir, preserving relative
// structure. Entries that would land outside dir and symlinks are skipped.
// Returns the number of files written.
func Extract(data []byte, dir string, owner *fsutil.OwnerConfig) (int, error) {
	zr, err := open(data)
	if err != nil {
		return 0, err
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", dir, err)
	}

	var written int

	for _, f := range zr.File {
		target, ok := targetPath(root, entryName(f))
		if !ok {
			continue
		}

		mode := f.Mode()

		switch {
		case mode&os.ModeSymlink != 0:
			continue
		case f.FileInfo().IsDir() || strings.HasSuffix(entryName(f), "/"):
			if err := fsutil.MkdirAll(target, 0o755, owner); err != nil {
				return written, fmt.Errorf("creating %s: %w", target, err)
			}

			continue
		}

		if err := fsutil.MkdirAll(filepath.Dir(target), 0o755, owner); err != nil {
			return written, fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
		}

		if err := extractFile(f, target, owner); err != nil {
			return written, err
		}

		written++
	}

	return written, nil
}

func extractFile(f *zip.File, target string, owner *fsutil.OwnerConfig) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	if err := fsutil.CopyToFile(target, rc, 0o644, owner); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}

	return nil
}

// targetPath resolves an entry name under root, rejecting absolute names
// and traversal outside root.
func targetPath(root, name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", false
	}

	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}

	full := filepath.Join(root, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", false
	}

	return full, true
}

// Flatten unwraps one level of superfluous nesting: when dir has no
// index.html at its top level and exactly one top-level subdirectory, the
// subdirectory's children are moved up into dir. Reports whether the
// directory was unwrapped. When a child would collide with an existing
// top-level entry the tree is left as is and the returned error wraps
// fsutil.ErrHoistConflict.
func Flatten(dir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dir, IndexFile)); err == nil {
		return false, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", dir, err)
	}

	var wrappers []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, ignored := ignoredTopLevel[e.Name()]; ignored {
			continue
		}

		wrappers = append(wrappers, e.Name())
	}

	if len(wrappers) != 1 {
		return false, nil
	}

	if err := fsutil.HoistChildren(dir, wrappers[0]); err != nil {
		return false, fmt.Errorf("unwrapping %s: %w", wrappers[0], err)
	}

	return true, nil
}
