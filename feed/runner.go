package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type RunnerConfig struct {
	SuppliersPath string
	ProfilesPath  string
	// TempDir holds one scratch directory per run, removed when the run ends.
	TempDir string
	Debug   bool
	// Timeout bounds one pipeline run. Zero means no limit.
	Timeout time.Duration
	// Parallelism is the number of profiles priced concurrently.
	Parallelism int
	// DeleteAfterRun removes an inbox file once every profile published.
	DeleteAfterRun bool
}

// Deps are the external collaborators of a Runner.
type Deps struct {
	State   *gorm.DB
	Store   ObjectStore
	Rates   RateProvider
	Fetcher Fetcher
	// Catalog is optional; profiles with write_catalog fail their catalog step without it.
	Catalog *CatalogWriter
	Log     zerolog.Logger
	Now     func() time.Time
}

type Runner struct {
	cfg          RunnerConfig
	db           *gorm.DB
	log          zerolog.Logger
	rates        RateProvider
	catalog      *CatalogWriter
	materializer *Materializer
	publisher    *Publisher
	now          func() time.Time
}

func (r *Runner) debugf(format string, args ...any) {
	if r == nil || !r.cfg.Debug {
		return
	}
	r.log.Debug().Msgf(format, args...)
}

func NewRunner(cfg RunnerConfig, deps Deps) (*Runner, error) {
	if strings.TrimSpace(cfg.SuppliersPath) == "" {
		return nil, fmt.Errorf("SuppliersPath is required")
	}
	if strings.TrimSpace(cfg.ProfilesPath) == "" {
		return nil, fmt.Errorf("ProfilesPath is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state DB is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(cfg.TempDir) == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "price-spooler")
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	r := &Runner{
		cfg:          cfg,
		db:           deps.State,
		log:          deps.Log,
		rates:        deps.Rates,
		catalog:      deps.Catalog,
		materializer: &Materializer{Fetcher: deps.Fetcher, Log: deps.Log},
		publisher:    NewPublisher(deps.Store, deps.Log),
		now:          deps.Now,
	}
	if r.rates == nil {
		r.rates = &LiveRateProvider{Log: deps.Log}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	if err := closeDB(r.db); err != nil {
		firstErr = err
	}
	r.db = nil
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// History lists recorded runs newest first. An empty supplier lists all.
func (r *Runner) History(ctx context.Context, supplier string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	q := r.db.WithContext(ctx).Model(&RunRecord{})
	if s := strings.TrimSpace(supplier); s != "" {
		q = q.Where("UPPER(supplier) = ?", strings.ToUpper(s))
	}
	var out []RunRecord
	if err := q.Order("started_at desc").Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type LatestArtifact struct {
	Key          string    `json:"key"`
	URL          string    `json:"url"`
	LastModified time.Time `json:"last_modified"`
	Size         int64     `json:"size"`
}

// Latest returns the newest artifact under namespace, or nil when there is none.
func (r *Runner) Latest(ctx context.Context, namespace string) (*LatestArtifact, error) {
	store := r.publisher.Store()
	obj, ok, err := Latest(ctx, store, namespace)
	if err != nil || !ok {
		return nil, err
	}
	url, err := store.URL(ctx, obj.Key)
	if err != nil {
		return nil, err
	}
	return &LatestArtifact{Key: obj.Key, URL: url, LastModified: obj.LastModified, Size: obj.Size}, nil
}
