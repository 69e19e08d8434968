package feed

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ProcessedSnapshot records an inbox file that went through the pipeline.
type ProcessedSnapshot struct {
	ID          uint   `gorm:"primaryKey"`
	Supplier    string `gorm:"index;size:64"`
	SourcePath  string `gorm:"uniqueIndex:uniq_src_fp;size:1024"`
	Fingerprint string `gorm:"uniqueIndex:uniq_src_fp;size:16"`
	SizeBytes   int64
	ModUnixNano int64
	RunID       string    `gorm:"size:36"`
	ProcessedAt time.Time `gorm:"index"`
	// AllSucceeded is false when the run failed or any profile failed; such files are retried.
	AllSucceeded bool `gorm:"index"`
	Deleted      bool `gorm:"index"`
	DeletedAt    *time.Time
	Quarantined  string `gorm:"size:1024"`
	LastError    string `gorm:"type:text"`
}

// RunRecord is the history row of one pipeline run.
type RunRecord struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	RunID       string `gorm:"uniqueIndex;size:36" json:"run_id"`
	Supplier    string `gorm:"index;size:64" json:"supplier"`
	Source      string `gorm:"size:1024" json:"source"`
	Fingerprint string `gorm:"size:16" json:"fingerprint,omitempty"`
	State       string `gorm:"index;size:32" json:"state"`
	Error       string `gorm:"type:text" json:"error,omitempty"`
	Rows        int    `json:"rows"`
	Profiles    int    `json:"profiles"`
	Failed      int    `json:"failed"`
	// Results holds the []ProfileResult of the run.
	Results    datatypes.JSON `json:"results"`
	StartedAt  time.Time      `gorm:"index" json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// CatalogItem is one row of the relational site catalog.
type CatalogItem struct {
	ID         uint            `gorm:"primaryKey"`
	SupplierID int64           `gorm:"index;not null"`
	Profile    string          `gorm:"size:128"`
	Code       string          `gorm:"index;size:128"`
	Unicode    string          `gorm:"size:128"`
	Brand      string          `gorm:"size:128"`
	Name       string          `gorm:"size:512"`
	Stock      int
	Price      decimal.Decimal `gorm:"type:numeric(14,4)"`
	Currency   string          `gorm:"size:3"`
	UpdatedAt  time.Time
}

func (CatalogItem) TableName() string { return "catalog_items" }
