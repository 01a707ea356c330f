package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// Store persists reports and their status summaries.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// CreateReport inserts the report and its status in one transaction.
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	RenameReport(ctx context.Context, id, name string) (*Report, error)

	// ListReports returns one page of matching reports, newest first.
	ListReports(ctx context.Context, filter Filter, page, size int) (*Page, error)
	// FindReports returns every matching report, newest first.
	FindReports(ctx context.Context, filter Filter) ([]Report, error)

	// DeleteReports removes the reports and their status rows, returning
	// the number of reports deleted.
	DeleteReports(ctx context.Context, ids ...string) (int64, error)

	ListProjects(ctx context.Context) ([]string, error)
	ListTypes(ctx context.Context) ([]string, error)
}

// Filter narrows report queries. Zero values match everything.
type Filter struct {
	// Project and Name are case-insensitive substring matches.
	Project string
	Name    string
	// Type is an exact match.
	Type string
	// Date matches uploads on that UTC calendar day.
	Date *time.Time
	// From and To bound upload_date inclusively.
	From *time.Time
	To   *time.Time
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Report{},
		&Status{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) CreateReport(ctx context.Context, report *Report) error {
	if report.Status == nil {
		return fmt.Errorf("creating report %s: status is required", report.ID)
	}

	report.UploadDate = report.UploadDate.UTC()
	report.Status.ID = report.ID

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(report).Error; err != nil {
			return fmt.Errorf("creating report: %w", err)
		}

		if err := tx.Create(report.Status).Error; err != nil {
			return fmt.Errorf("creating status: %w", err)
		}

		return nil
	})
}

func (s *store) GetReport(ctx context.Context, id string) (*Report, error) {
	var report Report
	if err := s.db.WithContext(ctx).
		Preload("Status").
		Where("id = ?", id).
		First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting report %s: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}

	return &report, nil
}

func (s *store) RenameReport(
	ctx context.Context, id, name string,
) (*Report, error) {
	result := s.db.WithContext(ctx).
		Model(&Report{}).
		Where("id = ?", id).
		Update("name", name)
	if result.Error != nil {
		return nil, fmt.Errorf("renaming report %s: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("renaming report %s: %w", id, ErrNotFound)
	}

	return s.GetReport(ctx, id)
}

func (s *store) ListReports(
	ctx context.Context, filter Filter, page, size int,
) (*Page, error) {
	if page < 1 {
		page = 1
	}

	if size < 1 {
		size = 1
	}

	var total int64
	if err := s.filtered(ctx, filter).
		Model(&Report{}).
		Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting reports: %w", err)
	}

	reports := make([]Report, 0, size)
	if err := s.filtered(ctx, filter).
		Preload("Status").
		Order("upload_date DESC").
		Order("id ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	return &Page{
		Page:       page,
		Size:       size,
		Total:      total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
		Reports:    reports,
	}, nil
}

func (s *store) FindReports(
	ctx context.Context, filter Filter,
) ([]Report, error) {
	var reports []Report
	if err := s.filtered(ctx, filter).
		Order("upload_date DESC").
		Order("id ASC").
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("finding reports: %w", err)
	}

	return reports, nil
}

func (s *store) DeleteReports(
	ctx context.Context, ids ...string,
) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ?", ids).
			Delete(&Status{}).Error; err != nil {
			return fmt.Errorf("deleting status rows: %w", err)
		}

		result := tx.Where("id IN ?", ids).Delete(&Report{})
		if result.Error != nil {
			return fmt.Errorf("deleting reports: %w", result.Error)
		}

		deleted = result.RowsAffected

		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.log.WithField("count", deleted).Debug("Deleted reports")
	}

	return deleted, nil
}

func (s *store) ListProjects(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "project")
}

func (s *store) ListTypes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "type")
}

func (s *store) distinct(ctx context.Context, column string) ([]string, error) {
	values := make([]string, 0)
	if err := s.db.WithContext(ctx).
		Model(&Report{}).
		Distinct(column).
		Order(column + " ASC").
		Pluck(column, &values).Error; err != nil {
		return nil, fmt.Errorf("listing distinct %s: %w", column, err)
	}

	return values, nil
}

// filtered returns a query over reports with filter's predicates applied.
func (s *store) filtered(ctx context.Context, filter Filter) *gorm.DB {
	q := s.db.WithContext(ctx)

	if filter.Project != "" {
		q = q.Where(`LOWER(project) LIKE ? ESCAPE '\'`, containsPattern(filter.Project))
	}

	if filter.Name != "" {
		q = q.Where(`LOWER(name) LIKE ? ESCAPE '\'`, containsPattern(filter.Name))
	}

	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	if filter.Date != nil {
		d := filter.Date.UTC()
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		q = q.Where("upload_date >= ? AND upload_date < ?", day, day.AddDate(0, 0, 1))
	}

	if filter.From != nil {
		q = q.Where("upload_date >= ?", filter.From.UTC())
	}

	if filter.To != nil {
		q = q.Where("upload_date <= ?", filter.To.UTC())
	}

	return q
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}
