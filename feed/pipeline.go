package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RunState string

const (
	StateMaterializing RunState = "MATERIALIZING"
	StateNormalizing   RunState = "NORMALIZING"
	StatePricing       RunState = "PRICING_PER_PROFILE"
	StateDone          RunState = "DONE"
	StateFailed        RunState = "FAILED"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

type RunRequest struct {
	Supplier string `json:"supplier"`
	// Locator overrides the supplier's configured input.
	Locator string `json:"locator"`
	// ProfileFilter keeps profiles whose name contains it.
	ProfileFilter string `json:"profile_filter"`
}

// RunContext is everything one run's profiles share.
type RunContext struct {
	RunID      string
	Stamp      time.Time
	TempDir    string
	Supplier   SupplierConfig
	SupplierID *int64
	Profiles   []Profile
	Rounding   Rounding
	Retention  RetentionTable
	Log        zerolog.Logger
}

type ProfileResult struct {
	Name         string   `json:"name"`
	Factor       float64  `json:"factor"`
	Currency     Currency `json:"currency"`
	Format       string   `json:"format"`
	Key          string   `json:"key,omitempty"`
	URL          string   `json:"url,omitempty"`
	Rate         string   `json:"rate,omitempty"`
	Rows         int      `json:"rows"`
	Size         int64    `json:"size,omitempty"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
	CatalogRows  int      `json:"catalog_rows,omitempty"`
	CatalogError string   `json:"catalog_error,omitempty"`
}

type RunReport struct {
	RunID       string          `json:"run_id"`
	Supplier    string          `json:"supplier"`
	SupplierID  *int64          `json:"supplier_id"`
	Source      string          `json:"source"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	State       RunState        `json:"state"`
	Rows        int             `json:"rows"`
	Dropped     int             `json:"dropped"`
	Results     []ProfileResult `json:"results"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

func (rep *RunReport) Failed() int {
	n := 0
	for _, res := range rep.Results {
		if res.Status != StatusOK {
			n++
		}
	}
	return n
}

// AllSucceeded reports a finished run in which every profile published.
func (rep *RunReport) AllSucceeded() bool {
	return rep.State == StateDone && len(rep.Results) > 0 && rep.Failed() == 0
}

// Run materializes one snapshot for a supplier, standardizes it once and prices
// it for every selected profile. Profile failures are reported per profile; the
// returned error is always a *RunError and means no profile ran.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		Supplier:  req.Supplier,
		Source:    req.Locator,
		State:     StateMaterializing,
		StartedAt: r.now().UTC(),
	}
	log := r.log.With().Str("run_id", report.RunID).Str("supplier", req.Supplier).Logger()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	fail := func(err error) (*RunReport, error) {
		runErr := &RunError{State: report.State, Err: err}
		report.State = StateFailed
		report.FinishedAt = r.now().UTC()
		log.Error().Err(err).Str("state", string(runErr.State)).Msg("run failed")
		r.recordRun(report, err)
		return report, runErr
	}

	suppliers, err := LoadSuppliers(r.cfg.SuppliersPath)
	if err != nil {
		return fail(err)
	}
	profiles, err := LoadProfiles(r.cfg.ProfilesPath)
	if err != nil {
		return fail(err)
	}
	sc, ok := suppliers.Lookup(req.Supplier)
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownSupplier, req.Supplier))
	}
	report.Supplier = sc.Name
	report.SupplierID = sc.SupplierID
	locator := req.Locator
	if locator == "" {
		locator = sc.Input
	}
	report.Source = locator
	selected := profiles.Filter(req.ProfileFilter)
	if len(selected) == 0 {
		return fail(fmt.Errorf("%w: filter %q", ErrNoProfiles, req.ProfileFilter))
	}

	rc := &RunContext{
		RunID:      report.RunID,
		Stamp:      report.StartedAt,
		TempDir:    filepath.Join(r.cfg.TempDir, "run-"+report.RunID),
		Supplier:   sc,
		SupplierID: suppliers.Identity(sc.Name),
		Profiles:   selected,
		Rounding:   profiles.Rounding,
		Retention:  profiles.Retention,
		Log:        log,
	}
	if err := os.MkdirAll(rc.TempDir, 0o755); err != nil {
		return fail(err)
	}
	defer func() {
		if err := os.RemoveAll(rc.TempDir); err != nil {
			log.Warn().Err(err).Str("dir", rc.TempDir).Msg("temp dir cleanup failed")
		}
	}()

	r.debugf("run start: supplier=%q locator=%q profiles=%d", sc.Name, locator, len(selected))
	snap, err := r.materializer.Materialize(ctx, locator, sc.Layout, rc.TempDir)
	defer cleanupPaths(log, snap.Cleanup)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrMaterialize, err))
	}
	report.Fingerprint = snap.FingerprintHex()

	report.State = StateNormalizing
	records, dropped, err := standardizeFile(snap.Path, sc.Layout)
	if err != nil {
		return fail(err)
	}
	report.Rows = len(records)
	report.Dropped = dropped
	log.Info().Int("rows", len(records)).Int("dropped", dropped).Str("fingerprint", report.Fingerprint).Msg("snapshot standardized")

	report.State = StatePricing
	report.Results = r.runProfiles(ctx, rc, records)

	report.State = StateDone
	report.FinishedAt = r.now().UTC()
	r.recordRun(report, nil)
	log.Info().Int("profiles", len(report.Results)).Int("failed", report.Failed()).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).Msg("run done")
	return report, nil
}

func standardizeFile(path string, layout LayoutConfig) ([]CanonicalRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	rr := NewRowReader(f, layout)
	records, err := Standardize(rr, layout)
	if err != nil {
		return nil, rr.Dropped(), err
	}
	return records, rr.Dropped(), nil
}

// runProfiles keeps result order equal to profile order whatever the parallelism.
func (r *Runner) runProfiles(ctx context.Context, rc *RunContext, records []CanonicalRecord) []ProfileResult {
	results := make([]ProfileResult, len(rc.Profiles))
	if r.cfg.Parallelism <= 1 {
		for i, p := range rc.Profiles {
			results[i] = r.runProfile(ctx, rc, i, p, records)
		}
		return results
	}

	sem := make(chan struct{}, r.cfg.Parallelism)
	var wg sync.WaitGroup
	for i, p := range rc.Profiles {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p Profile) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runProfile(ctx, rc, i, p, records)
		}(i, p)
	}
	wg.Wait()
	return results
}

// runProfile works in its own scratch directory under the run's temp dir so
// concurrent profiles never share a local file.
func (r *Runner) runProfile(ctx context.Context, rc *RunContext, idx int, p Profile, records []CanonicalRecord) (res ProfileResult) {
	res = ProfileResult{
		Name:     p.Name,
		Factor:   p.Factor,
		Currency: p.CurrencyOut,
		Format:   p.Format,
		Rows:     len(records),
	}
	log := rc.Log.With().Str("profile", p.Name).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", rec)
			res.Key, res.URL = "", ""
			log.Error().Str("error", res.Error).Msg("profile panicked")
		}
	}()

	if err := r.priceAndPublish(ctx, rc, filepath.Join(rc.TempDir, fmt.Sprintf("p%d", idx)), p, records, &res, log); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error().Err(err).Msg("profile failed")
		return res
	}
	res.Status = StatusOK
	log.Info().Str("key", res.Key).Int64("size", res.Size).Msg("profile published")
	return res
}

func (r *Runner) priceAndPublish(ctx context.Context, rc *RunContext, scratch string, p Profile, records []CanonicalRecord, res *ProfileResult, log zerolog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rate := decimal.NewFromInt(1)
	if p.CurrencyOut == UAH {
		rate = r.rates.Rate(ctx, p.RateParams)
		res.Rate = rate.String()
	}
	prices := PriceRecords(records, decimal.NewFromFloat(p.Factor), p.CurrencyOut, rate, rc.Rounding)

	if p.WriteCatalog {
		r.writeCatalog(ctx, rc, p, records, prices, res, log)
	}

	table := Project(records, prices, p.Columns, rc.SupplierID, rc.Rounding.Places(p.CurrencyOut))
	namespace := p.NamespaceFor(rc.Supplier.Name)
	filename := ArtifactFilename(rc.Supplier.Name, rc.Stamp, p.Name, p.Format)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	art, err := Export(table, scratch, filename, p)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer func() {
		if err := os.Remove(art.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", art.Path).Msg("artifact cleanup failed")
		}
	}()

	key := namespace + filename
	keep := rc.Retention.KeepFor(namespace)
	url, err := r.publisher.Publish(ctx, art.Path, key, namespace, art.ContentType, keep)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	res.Key = key
	res.URL = url
	res.Size = art.Size
	return nil
}

// writeCatalog never fails the profile; its outcome is reported on res.
func (r *Runner) writeCatalog(ctx context.Context, rc *RunContext, p Profile, records []CanonicalRecord, prices []decimal.Decimal, res *ProfileResult, log zerolog.Logger) {
	var err error
	switch {
	case r.catalog == nil:
		err = errors.New("catalog database is not configured")
	case rc.SupplierID == nil:
		err = fmt.Errorf("supplier %q has no supplier_id", rc.Supplier.Name)
	default:
		var deleted int64
		items := catalogItems(records, prices, p.CurrencyOut, p.Name)
		deleted, err = r.catalog.Replace(ctx, *rc.SupplierID, items)
		if err == nil {
			res.CatalogRows = len(items)
			log.Info().Int64("deleted", deleted).Int("inserted", len(items)).Msg("catalog replaced")
			return
		}
	}
	res.CatalogError = err.Error()
	log.Error().Err(err).Msg("catalog write failed")
}

func (r *Runner) recordRun(report *RunReport, runErr error) {
	results, _ := json.Marshal(report.Results)
	if report.Results == nil {
		results = []byte("[]")
	}
	rec := RunRecord{
		RunID:       report.RunID,
		Supplier:    report.Supplier,
		Source:      report.Source,
		Fingerprint: report.Fingerprint,
		State:       string(report.State),
		Rows:        report.Rows,
		Profiles:    len(report.Results),
		Failed:      report.Failed(),
		Results:     datatypes.JSON(results),
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	// Best-effort: history must not change the run outcome.
	if err := r.db.Create(&rec).Error; err != nil {
		r.log.Warn().Err(err).Str("run_id", report.RunID).Msg("run history write failed")
	}
}
