package store

import (
	"time"
)

// Report is one uploaded artifact.
type Report struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Type       string    `gorm:"not null;index" json:"type"`
	Name       string    `gorm:"not null" json:"name"`
	MinioURL   string    `gorm:"column:minio_url;not null" json:"minio_url"`
	ReportURL  string    `gorm:"column:report_url;not null" json:"report_url"`
	Project    string    `gorm:"not null;index" json:"project"`
	UploadDate time.Time `gorm:"not null;index" json:"upload_date"`

	Status *Status `gorm:"foreignKey:ID;references:ID;constraint:OnDelete:CASCADE" json:"status,omitempty"`
}

// TableName pins the table name.
func (Report) TableName() string {
	return "reports"
}

// Status is the test-outcome and pipeline summary owned by a Report. It
// shares the report's primary key.
type Status struct {
	ID      string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Failed  int    `gorm:"not null" json:"failed"`
	Broken  int    `gorm:"not null" json:"broken"`
	Passed  int    `gorm:"not null" json:"passed"`
	Skipped int    `gorm:"not null" json:"skipped"`
	Unknown int    `gorm:"not null" json:"unknown"`

	// PipelineStatus is 0 for success, 1 for failure and nil when unknown.
	PipelineStatus     *int    `json:"pipeline_status"`
	PipelineURL        *string `gorm:"column:pipeline_url" json:"pipeline_url"`
	PipelineName       *string `json:"pipeline_name"`
	PipelineBuildOrder *int64  `json:"pipeline_build_order"`
}

// TableName pins the table name.
func (Status) TableName() string {
	return "status"
}

// Page is one page of a filtered report listing.
type Page struct {
	Page       int      `json:"page"`
	Size       int      `json:"size"`
	Total      int64    `json:"total"`
	TotalPages int      `json:"totalPages"`
	Reports    []Report `json:"reports"`
}
