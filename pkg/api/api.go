package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/ingest"
	"github.com/ethpandaops/reportoor/pkg/preview"
	"github.com/ethpandaops/reportoor/pkg/storage"
	"github.com/ethpandaops/reportoor/pkg/store"
)

const (
	shutdownTimeout      = 10 * time.Second
	defaultPresignExpiry = 15 * time.Minute
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log            logrus.FieldLogger
	cfg            *config.Config
	store          store.Store
	blobs          storage.Store
	presigner      storage.Presigner
	presignExpiry  time.Duration
	pipeline       *ingest.Pipeline
	cache          *preview.Cache
	materializer   *preview.Materializer
	previewFiles   *previewFileServer
	cleaner        *preview.Cleaner
	metrics        *metrics
	maxUploadBytes int64
	httpServer     *http.Server
	wg             sync.WaitGroup
	done           chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the database, blob storage and preview cache, then
// starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	if s.cfg.Preview.Cleanup.Enabled {
		if err := s.cleaner.Start(ctx); err != nil {
			return fmt.Errorf("starting preview cleaner: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			WithField("base_path", s.cfg.Server.BasePath).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// init wires every component the handlers depend on. It does not bind
// the listener, so tests can drive buildRouter directly.
func (s *server) init(ctx context.Context) error {
	maxUpload, err := s.cfg.Server.MaxUploadBytes()
	if err != nil {
		return err
	}

	s.maxUploadBytes = maxUpload

	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	blobs, err := storage.New(s.log, &s.cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating blob storage: %w", err)
	}

	if err := blobs.Start(ctx); err != nil {
		return fmt.Errorf("starting blob storage: %w", err)
	}

	s.blobs = blobs

	if presigner, ok := blobs.(storage.Presigner); ok {
		s.presigner = presigner
		s.presignExpiry = defaultPresignExpiry

		if s.cfg.Storage.S3 != nil && s.cfg.Storage.S3.PresignExpiry != "" {
			d, err := time.ParseDuration(s.cfg.Storage.S3.PresignExpiry)
			if err != nil {
				return fmt.Errorf("parsing presign expiry: %w", err)
			}

			s.presignExpiry = d
		}

		s.log.Info("S3 presigned URL generation enabled")
	}

	owner, err := s.cfg.Preview.ParsedOwner()
	if err != nil {
		return err
	}

	s.cache = preview.NewCache(s.log, s.cfg.Preview.ScratchDir, owner)
	if err := s.cache.Init(); err != nil {
		return fmt.Errorf("initializing preview cache: %w", err)
	}

	maxAge, err := s.cfg.Preview.MaxAge()
	if err != nil {
		return err
	}

	s.cleaner = preview.NewCleaner(
		s.log, s.cache, s.cfg.Preview.Cleanup.Schedule, maxAge,
	)

	s.pipeline = ingest.New(s.log, s.blobs, s.store, ingest.Options{
		PublicURL:             s.cfg.Storage.PublicURL,
		BaseURL:               s.cfg.Server.BaseURL,
		BasePath:              s.cfg.Server.BasePath,
		AssumePipelineSuccess: s.cfg.Ingest.AssumePipelineSuccess,
	})

	s.materializer = preview.NewMaterializer(
		s.log, s.store, s.blobs, s.cache, s.cfg.Storage.PublicURL,
	)
	s.previewFiles = newPreviewFileServer(s.log, s.cache.Root())
	s.metrics = newMetrics()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.cleaner != nil && s.cfg.Preview.Cleanup.Enabled {
		s.cleaner.Stop()
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
