// Package archive inspects and unpacks uploaded ZIP report bundles.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

var (
	// ErrNotArchive is returned when the bytes cannot be read as a ZIP.
	ErrNotArchive = errors.New("not a zip archive")

	// metricsPattern matches <folder>/export/prometheusData.txt at any
	// depth. A file at the archive root has no folder and does not match.
	metricsPattern = regexp.MustCompile(`[^/]+/export/prometheusData\.txt$`)

	// executorPattern matches <folder>/widgets/executors.json at any depth.
	executorPattern = regexp.MustCompile(`[^/]+/widgets/executors\.json$`)
)

// Inspection holds the embedded status files found in a report bundle.
// A nil field means the file was not present or could not be read.
type Inspection struct {
	Metrics  *string
	Executor *string
}

// Inspect lists the archive entries and returns the contents of the first
// metrics file and the first executor file, if any. A file that fails to
// read leaves its field nil; the other file is still returned, together
// with an error describing every failed read. The error wraps
// ErrNotArchive only when the bytes are not a ZIP at all.
func Inspect(data []byte) (*Inspection, error) {
	zr, err := open(data)
	if err != nil {
		return nil, err
	}

	var (
		result                    Inspection
		metricsSeen, executorSeen bool
		errs                      []error
	)

	for _, f := range zr.File {
		if metricsSeen && executorSeen {
			break
		}

		name := entryName(f)

		var target **string

		switch {
		case !metricsSeen && metricsPattern.MatchString(name):
			metricsSeen = true
			target = &result.Metrics
		case !executorSeen && executorPattern.MatchString(name):
			executorSeen = true
			target = &result.Executor
		default:
			continue
		}

		text, err := readEntry(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading %s: %w", name, err))

			continue
		}

		*target = &text
	}

	return &result, errors.Join(errs...)
}

func open(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotArchive, err)
	}

	return zr, nil
}

// entryName returns the entry path with forward slashes.
func entryName(f *zip.File) string {
	return strings.ReplaceAll(f.Name, `\`, "/")
}

func readEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Extension returns the filename's suffix after the last dot, or "" when
// there is none.
func Extension(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))

	i := strings.LastIndex(base, ".")
	if i < 0 {
		return ""
	}

	return base[i+1:]
}

// IsZip reports whether ext names a ZIP archive.
func IsZip(ext string) bool {
	return strings.EqualFold(ext, "zip")
}
