// Package ingest stores uploaded report artifacts and records them, with
// their status summary, in the report repository.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/reportoor/pkg/archive"
	"github.com/ethpandaops/reportoor/pkg/status"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

// DefaultLabel fills a blank type or project.
const DefaultLabel = "unknown"

// ValidationError reports a missing required upload field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// File is the uploaded artifact.
type File struct {
	Name string
	Data []byte
}

// Upload is one ingestion request.
type Upload struct {
	Type    string
	Name    string
	Project string
	Fields  status.Fields
	// File is nil when the request carried no file.
	File *File
	// Origin is the scheme://host the request arrived on. It is used for
	// report_url when no external base URL is configured.
	Origin string
}

// Result is the outcome of a successful ingestion.
type Result struct {
	Report *store.Report
	// MetricsFromArchive and ExecutorFromArchive record whether the
	// embedded files overrode the caller-supplied values.
	MetricsFromArchive  bool
	ExecutorFromArchive bool
}

// Options configures a Pipeline.
type Options struct {
	// PublicURL is the base of minio_url ({public_url}/{bucket}/{key}).
	PublicURL string
	// BaseURL is the external origin of this service. Empty means use the
	// upload's Origin.
	BaseURL string
	// BasePath is the API mount point, e.g. "/api".
	BasePath string
	// AssumePipelineSuccess records an unspecified pipeline status as
	// success instead of unknown.
	AssumePipelineSuccess bool

	Now   func() time.Time
	NewID func() string
}

// Pipeline validates, stores and records uploads.
type Pipeline struct {
	log     logrus.FieldLogger
	blobs   storage.Store
	reports store.Store
	opts    Options
}

// New creates a Pipeline.
func New(
	log logrus.FieldLogger,
	blobs storage.Store,
	reports store.Store,
	opts Options,
) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Pipeline{
		log:     log.WithField("component", "ingest"),
		blobs:   blobs,
		reports: reports,
		opts:    opts,
	}
}

// Ingest stores the upload's artifact and records the report and its
// status. Validation failures return a *ValidationError before any side
// effect. If recording fails after the artifact was stored, the artifact
// is removed again.
func (p *Pipeline) Ingest(ctx context.Context, u *Upload) (*Result, error) {
	if strings.TrimSpace(u.Name) == "" {
		return nil, &ValidationError{Field: "name"}
	}

	if u.File == nil {
		return nil, &ValidationError{Field: "file"}
	}

	ext := archive.Extension(u.File.Name)
	id := p.opts.NewID()
	uploaded := p.opts.Now().UTC().Truncate(time.Millisecond)

	reportType := defaultLabel(u.Type)
	project := defaultLabel(u.Project)
	key := storage.ObjectKey(reportType, project, u.Name, uploaded, ext)

	log := p.log.WithFields(logrus.Fields{
		"report_id": id,
		"key":       key,
	})

	summary, result := p.resolveStatus(log, u, ext)

	if err := p.blobs.Put(
		ctx, key, u.File.Data, storage.DetectContentType(u.File.Name),
	); err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}

	report := &store.Report{
		ID:         id,
		Type:       reportType,
		Name:       u.Name,
		Project:    project,
		MinioURL:   storage.ObjectURL(p.opts.PublicURL, p.blobs.Bucket(), key),
		ReportURL:  p.reportURL(u.Origin, id),
		UploadDate: uploaded,
		Status: &store.Status{
			ID:                 id,
			Failed:             summary.Failed,
			Broken:             summary.Broken,
			Passed:             summary.Passed,
			Skipped:            summary.Skipped,
			Unknown:            summary.Unknown,
			PipelineStatus:     summary.Result,
			PipelineURL:        summary.URL,
			PipelineName:       summary.Name,
			PipelineBuildOrder: summary.BuildOrder,
		},
	}

	if err := p.reports.CreateReport(ctx, report); err != nil {
		// The artifact is unreachable without its row.
		if delErr := p.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			log.WithError(delErr).Warn("Failed to remove artifact after failed insert")
		}

		return nil, fmt.Errorf("recording report: %w", err)
	}

	log.WithFields(logrus.Fields{
		"type":    reportType,
		"project": project,
		"size":    len(u.File.Data),
	}).Info("Report ingested")

	result.Report = report

	return result, nil
}

// resolveStatus builds the status summary from the form fields, letting
// files embedded in a ZIP override them.
func (p *Pipeline) resolveStatus(
	log logrus.FieldLogger, u *Upload, ext string,
) (status.Summary, *Result) {
	base := status.FromFields(u.Fields, p.opts.AssumePipelineSuccess)
	result := &Result{}

	if !archive.IsZip(ext) {
		return base, result
	}

	found, err := archive.Inspect(u.File.Data)
	if err != nil {
		if found == nil {
			log.WithError(err).Warn("Could not inspect archive, keeping form status")

			return base, result
		}

		// Whatever was read still applies; the unreadable file falls back
		// to the form values.
		log.WithError(err).Warn("Could not read every status file in archive")
	}

	var (
		metrics  *status.Counters
		executor *status.Pipeline
	)

	if found.Metrics != nil {
		c := status.ParseMetrics(*found.Metrics)
		metrics = &c
		result.MetricsFromArchive = true
	}

	if found.Executor != nil {
		executor, err = status.ParseExecutor(*found.Executor)
		if err != nil {
			log.WithError(err).Warn("Ignoring malformed executor file")
		} else {
			result.ExecutorFromArchive = true
		}
	}

	return status.Resolve(base, metrics, executor), result
}

func (p *Pipeline) reportURL(origin, id string) string {
	base := p.opts.BaseURL
	if base == "" {
		base = origin
	}

	return strings.TrimRight(base, "/") + p.opts.BasePath + "/reports/" + id
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError

	return errors.As(err, &v)
}

func defaultLabel(s string) string {
	if strings.TrimSpace(s) == "" {
		return DefaultLabel
	}

	return s
}
