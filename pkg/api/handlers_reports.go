package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/reportoor/pkg/ingest"
	"github.com/ethpandaops/reportoor/pkg/preview"
	"github.com/ethpandaops/reportoor/pkg/status"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100

	// multipartMemory is how much of a multipart body is kept in memory
	// before spilling to temp files.
	multipartMemory = 32 << 20

	blobDeleteConcurrency = 8

	dateLayout = "2006-01-02"
)

// reportSummary is one row of the report listing.
type reportSummary struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Project    string        `json:"project"`
	UploadDate time.Time     `json:"upload_date"`
	Report     string        `json:"report"`
	Minio      string        `json:"minio"`
	Status     *store.Status `json:"status"`
}

type listResponse struct {
	Page       int             `json:"page"`
	Size       int             `json:"size"`
	Total      int64           `json:"total"`
	TotalPages int             `json:"totalPages"`
	Reports    []reportSummary `json:"reports"`
}

type uploadResponse struct {
	Message string        `json:"message"`
	Report  *store.Report `json:"report"`
	Status  *store.Status `json:"status"`
}

type renameRequest struct {
	Name string `json:"name"`
}

// handleUpload ingests a multipart report upload.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.uploads.WithLabelValues("too_large").Inc()
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"upload exceeds maximum size"})

			return
		}

		s.metrics.uploads.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"expected a multipart form upload"})

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	upload := &ingest.Upload{
		Type:    r.FormValue("type"),
		Name:    r.FormValue("name"),
		Project: r.FormValue("project"),
		Fields: status.Fields{
			Failed:             r.FormValue("failed"),
			Broken:             r.FormValue("broken"),
			Passed:             r.FormValue("passed"),
			Skipped:            r.FormValue("skipped"),
			Unknown:            r.FormValue("unknown"),
			PipelineStatus:     r.FormValue("pipeline_status"),
			PipelineURL:        r.FormValue("pipeline_url"),
			PipelineName:       r.FormValue("pipeline_name"),
			PipelineBuildOrder: r.FormValue("pipeline_build_order"),
		},
		Origin: requestOrigin(r),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		data, readErr := io.ReadAll(file)
		_ = file.Close()

		if readErr != nil {
			s.metrics.uploads.WithLabelValues("invalid").Inc()
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"reading uploaded file failed"})

			return
		}

		upload.File = &ingest.File{Name: header.Filename, Data: data}
	case errors.Is(err, http.ErrMissingFile):
		// Left nil; the pipeline reports it.
	default:
		s.metrics.uploads.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid file field"})

		return
	}

	result, err := s.pipeline.Ingest(r.Context(), upload)
	if err != nil {
		outcome := "failed"
		if ingest.IsValidation(err) {
			outcome = "invalid"
		}

		s.metrics.uploads.WithLabelValues(outcome).Inc()
		s.writeError(w, s.log, err, "upload failed")

		return
	}

	s.metrics.uploads.WithLabelValues("ok").Inc()
	s.metrics.uploadBytes.Add(float64(len(upload.File.Data)))

	writeJSON(w, http.StatusCreated, uploadResponse{
		Message: "Report uploaded successfully",
		Report:  result.Report,
		Status:  result.Report.Status,
	})
}

// handleListReports returns one page of reports matching the query filters.
func (s *server) handleListReports(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	page, size, err := parsePaging(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	result, err := s.store.ListReports(r.Context(), filter, page, size)
	if err != nil {
		s.writeError(w, s.log, err, "failed to list reports")

		return
	}

	resp := listResponse{
		Page:       result.Page,
		Size:       result.Size,
		Total:      result.Total,
		TotalPages: result.TotalPages,
		Reports:    make([]reportSummary, 0, len(result.Reports)),
	}

	for _, rep := range result.Reports {
		resp.Reports = append(resp.Reports, reportSummary{
			ID:         rep.ID,
			Name:       rep.Name,
			Type:       rep.Type,
			Project:    rep.Project,
			UploadDate: rep.UploadDate,
			Report:     rep.ReportURL,
			Minio:      rep.MinioURL,
			Status:     rep.Status,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetReport materializes the report and redirects to its preview,
// or streams the raw artifact when it cannot be previewed.
func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := s.log.WithField("report_id", id)

	result, err := s.materializer.Materialize(r.Context(), id)
	if err != nil {
		s.writeError(w, log, err, "failed to load report")

		return
	}

	switch result.Kind {
	case preview.KindRedirect:
		s.metrics.previews.WithLabelValues("redirect").Inc()
		http.Redirect(w, r, s.previewPath(result.Path), http.StatusFound)
	default:
		s.metrics.previews.WithLabelValues("raw").Inc()
		w.Header().Set("Content-Type", result.ContentType)
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType("inline", map[string]string{"filename": result.Filename}))
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
	}
}

// handleGetReportDetails returns the report record with its status.
func (s *server) handleGetReportDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, s.log.WithField("report_id", id), err, "failed to load report")

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleDownloadReport redirects to a presigned URL for the artifact.
// Only available with the S3 backend.
func (s *server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := s.log.WithField("report_id", id)

	if s.presigner == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"downloads are not supported by this storage backend"})

		return
	}

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, log, err, "failed to load report")

		return
	}

	key, err := storage.KeyFromURL(s.cfg.Storage.PublicURL, s.blobs.Bucket(), report.MinioURL)
	if err != nil {
		s.writeError(w, log, err, "failed to resolve artifact")

		return
	}

	url, err := s.presigner.PresignGet(r.Context(), key, s.presignExpiry)
	if err != nil {
		s.writeError(w, log, err, "failed to presign artifact")

		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// handleRenameReport changes a report's display name.
func (s *server) handleRenameReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"name is required"})

		return
	}

	report, err := s.store.RenameReport(r.Context(), id, req.Name)
	if err != nil {
		s.writeError(w, s.log.WithField("report_id", id), err, "failed to rename report")

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleDeleteReport removes a report, its status and its artifact.
func (s *server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := s.log.WithField("report_id", id)

	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, log, err, "failed to delete report")

		return
	}

	s.purgeArtifacts(r.Context(), []store.Report{*report})

	n, err := s.store.DeleteReports(r.Context(), id)
	if err != nil {
		s.writeError(w, log, err, "failed to delete report")

		return
	}

	s.metrics.deletedReports.Add(float64(n))
	s.log.WithFields(logFields(report)).Info("Report deleted")

	writeJSON(w, http.StatusOK, messageResponse{"Report deleted successfully"})
}

// handleDeleteReports removes every report matching the query filters.
func (s *server) handleDeleteReports(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	reports, err := s.store.FindReports(r.Context(), filter)
	if err != nil {
		s.writeError(w, s.log, err, "failed to delete reports")

		return
	}

	if len(reports) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{"no reports found to delete"})

		return
	}

	s.purgeArtifacts(r.Context(), reports)

	ids := make([]string, 0, len(reports))
	for _, rep := range reports {
		ids = append(ids, rep.ID)
	}

	n, err := s.store.DeleteReports(r.Context(), ids...)
	if err != nil {
		s.writeError(w, s.log, err, "failed to delete reports")

		return
	}

	s.metrics.deletedReports.Add(float64(n))
	s.log.WithField("count", n).Info("Reports deleted")

	writeJSON(w, http.StatusOK, messageResponse{
		fmt.Sprintf("Deleted %d report(s) successfully", n),
	})
}

// purgeArtifacts deletes the stored artifacts and preview extractions of
// reports. Failures are logged and never abort the caller; the rows are
// the source of truth.
func (s *server) purgeArtifacts(ctx context.Context, reports []store.Report) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blobDeleteConcurrency)

	for _, rep := range reports {
		g.Go(func() error {
			log := s.log.WithField("report_id", rep.ID)

			if err := s.cache.Invalidate(rep.ID); err != nil {
				log.WithError(err).Warn("Failed to remove preview")
			}

			key, err := storage.KeyFromURL(s.cfg.Storage.PublicURL, s.blobs.Bucket(), rep.MinioURL)
			if err != nil {
				s.metrics.blobDeleteFails.Inc()
				log.WithError(err).Warn("Cannot resolve artifact key, skipping delete")

				return nil
			}

			if err := s.blobs.Delete(gctx, key); err != nil {
				s.metrics.blobDeleteFails.Inc()
				log.WithError(err).WithField("key", key).Warn("Failed to delete artifact")
			}

			return nil
		})
	}

	_ = g.Wait()
}

// previewPath returns the public path of a file under the preview route.
func (s *server) previewPath(rel string) string {
	return s.cfg.Server.BasePath + "/preview/" + rel
}

// parseFilter reads the report filter from the query string.
func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()

	filter := store.Filter{
		Project: q.Get("project"),
		Name:    q.Get("name"),
		Type:    q.Get("type"),
	}

	if v := q.Get("date"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return filter, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", v)
		}

		filter.Date = &t
	}

	if v := q.Get("fromDate"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return filter, fmt.Errorf("invalid fromDate %q", v)
		}

		filter.From = &t
	}

	if v := q.Get("toDate"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return filter, fmt.Errorf("invalid toDate %q", v)
		}

		// A bare date includes the whole day. Upload dates carry
		// millisecond precision.
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
		}

		filter.To = &t
	}

	return filter, nil
}

// parseTime accepts YYYY-MM-DD or RFC 3339 and reports which was given.
func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, true, nil
	}

	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, err
	}

	return t.UTC(), false, nil
}

// parsePaging reads page (default 1) and size (default 10, capped at 100).
func parsePaging(r *http.Request) (int, int, error) {
	page, size := 1, defaultPageSize
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("invalid page %q", v)
		}

		page = n
	}

	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("invalid size %q", v)
		}

		size = min(n, maxPageSize)
	}

	return page, size, nil
}

// requestOrigin reconstructs scheme://host for the request, honouring
// X-Forwarded-Proto and X-Forwarded-Host from a reverse proxy.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host, _, _ = strings.Cut(fwd, ",")
	}

	return strings.TrimSpace(scheme) + "://" + strings.TrimSpace(host)
}

// logFields returns the identifying fields of a report for logging.
func logFields(rep *store.Report) logrus.Fields {
	return logrus.Fields{
		"report_id": rep.ID,
		"project":   rep.Project,
		"type":      rep.Type,
	}
}
