package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/reportoor/pkg/archive"
	"github.com/ethpandaops/reportoor/pkg/fsutil"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

// ErrUnsupported marks artifacts that cannot be served as a static site.
var ErrUnsupported = errors.New("artifact is not previewable")

// Kind tells the caller how to answer a materialized preview.
type Kind int

const (
	// KindRedirect means the artifact was extracted and should be served
	// from Result.Path under the static preview route.
	KindRedirect Kind = iota
	// KindRaw means Result.Data should be returned as-is.
	KindRaw
)

// Result is the outcome of Materialize.
type Result struct {
	Kind Kind
	// Path is the index file relative to the scratch root, with forward
	// slashes. Set for KindRedirect.
	Path       string
	Generation uint64

	// Data, ContentType and Filename are set for KindRaw.
	Data        []byte
	ContentType string
	Filename    string
}

// Materializer fetches stored artifacts and prepares them for preview.
type Materializer struct {
	log       logrus.FieldLogger
	reports   store.Store
	blobs     storage.Store
	cache     *Cache
	publicURL string
}

// NewMaterializer creates a Materializer. publicURL is the base minio_url
// values were built from.
func NewMaterializer(
	log logrus.FieldLogger,
	reports store.Store,
	blobs storage.Store,
	cache *Cache,
	publicURL string,
) *Materializer {
	return &Materializer{
		log:       log.WithField("component", "preview"),
		reports:   reports,
		blobs:     blobs,
		cache:     cache,
		publicURL: publicURL,
	}
}

// Materialize prepares report id for viewing. ZIP and HTML artifacts are
// written to a fresh scratch directory and a redirect target is returned;
// anything else is returned as raw bytes. Unknown ids yield an error
// wrapping store.ErrNotFound.
func (m *Materializer) Materialize(ctx context.Context, id string) (*Result, error) {
	report, err := m.reports.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	key, err := storage.KeyFromURL(m.publicURL, m.blobs.Bucket(), report.MinioURL)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact of %s: %w", id, err)
	}

	data, err := m.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching artifact of %s: %w", id, err)
	}

	log := m.log.WithFields(logrus.Fields{
		"report_id": id,
		"key":       key,
	})

	ext := archive.Extension(key)

	gen, err := m.cache.Replace(id, func(dir string) error {
		return m.fill(log, dir, ext, data)
	})

	switch {
	case err == nil:
		return &Result{
			Kind:       KindRedirect,
			Path:       path.Join(DirName(id), archive.IndexFile),
			Generation: gen,
		}, nil
	case errors.Is(err, ErrUnsupported):
		return &Result{
			Kind:        KindRaw,
			Data:        data,
			ContentType: storage.DetectContentType(key),
			Filename:    path.Base(key),
		}, nil
	default:
		return nil, fmt.Errorf("materializing %s: %w", id, err)
	}
}

func (m *Materializer) fill(log logrus.FieldLogger, dir, ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case "zip":
		n, err := archive.Extract(data, dir, m.cache.owner)
		if err != nil {
			if errors.Is(err, archive.ErrNotArchive) {
				log.WithError(err).Warn("Stored zip is unreadable, serving raw bytes")

				return ErrUnsupported
			}

			return err
		}

		flattened, err := archive.Flatten(dir)
		if err != nil {
			if !errors.Is(err, fsutil.ErrHoistConflict) {
				return err
			}

			log.WithError(err).Warn("Wrapper folder collides with top-level entries, leaving it in place")
		}

		if _, err := os.Stat(filepath.Join(dir, archive.IndexFile)); err != nil {
			log.Warn("Extracted archive has no top-level index.html")
		}

		log.WithFields(logrus.Fields{
			"files":     n,
			"flattened": flattened,
		}).Debug("Extracted archive")

		return nil
	case "html":
		return fsutil.WriteFile(filepath.Join(dir, archive.IndexFile), data, 0o644, m.cache.owner)
	default:
		return ErrUnsupported
	}
}
