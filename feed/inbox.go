package feed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

type InboxStats struct {
	FilesSeen        int
	FilesSkipped     int
	Runs             int
	RunsFailed       int
	ProfilesFailed   int
	FilesDeleted     int
	FilesQuarantined int
}

// RunInbox scans every supplier inbox once and runs the pipeline for each file
// not yet processed with the same fingerprint.
func (r *Runner) RunInbox(ctx context.Context) (InboxStats, error) {
	start := time.Now()
	var stats InboxStats

	suppliers, err := LoadSuppliers(r.cfg.SuppliersPath)
	if err != nil {
		return stats, err
	}
	for _, name := range suppliers.Names() {
		sc, _ := suppliers.Lookup(name)
		if strings.TrimSpace(sc.Inbox) == "" {
			continue
		}
		paths, err := expandGlobWithDoubleStar(sc.Inbox)
		if err != nil {
			r.log.Warn().Err(err).Str("supplier", sc.Name).Str("glob", sc.Inbox).Msg("inbox glob failed")
			continue
		}
		sort.Strings(paths)
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			r.debugf("inbox ingest supplier=%q path=%q", sc.Name, p)
			if err := r.ingestFile(ctx, sc, p, &stats); err != nil {
				r.log.Warn().Err(err).Str("supplier", sc.Name).Str("path", p).Msg("inbox file failed")
			}
		}
	}
	r.debugf("inbox done: seen=%d skipped=%d runs=%d runsFailed=%d profilesFailed=%d deleted=%d quarantined=%d elapsed=%s",
		stats.FilesSeen, stats.FilesSkipped, stats.Runs, stats.RunsFailed, stats.ProfilesFailed, stats.FilesDeleted, stats.FilesQuarantined, time.Since(start))
	return stats, nil
}

func (r *Runner) ingestFile(ctx context.Context, sc SupplierConfig, p string, stats *InboxStats) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() <= 0 {
		return nil
	}
	stats.FilesSeen++

	fp, err := FingerprintFile(p)
	if err != nil {
		return err
	}
	already, err := r.isAlreadyProcessed(p, fp)
	if err != nil {
		return err
	}
	if already {
		r.debugf("skip already processed path=%q fingerprint=%s", p, fp)
		stats.FilesSkipped++
		return nil
	}

	report, runErr := r.Run(ctx, RunRequest{Supplier: sc.Name, Locator: p})
	stats.Runs++
	rec := ProcessedSnapshot{
		Supplier:     sc.Name,
		SourcePath:   p,
		Fingerprint:  fp,
		SizeBytes:    info.Size(),
		ModUnixNano:  info.ModTime().UnixNano(),
		RunID:        report.RunID,
		ProcessedAt:  time.Now().UTC(),
		AllSucceeded: runErr == nil && report.AllSucceeded(),
	}
	if runErr != nil {
		stats.RunsFailed++
		rec.LastError = runErr.Error()
		if errors.Is(runErr, ErrMaterialize) && strings.TrimSpace(sc.ErrorDir) != "" {
			dst, err := Quarantine(p, sc.ErrorDir, runErr)
			if err != nil {
				r.log.Warn().Err(err).Str("path", p).Msg("quarantine failed")
			} else {
				rec.Quarantined = dst
				stats.FilesQuarantined++
			}
		}
	} else if n := report.Failed(); n > 0 {
		stats.ProfilesFailed += n
		rec.LastError = fmt.Sprintf("%d of %d profiles failed", n, len(report.Results))
	}

	if err := r.markProcessed(rec); err != nil {
		return err
	}
	if rec.AllSucceeded && r.cfg.DeleteAfterRun {
		if err := r.tryDeleteProcessedFile(p, fp); err == nil {
			stats.FilesDeleted++
		}
	}
	return runErr
}

func (r *Runner) isAlreadyProcessed(p string, fingerprint string) (bool, error) {
	var ps ProcessedSnapshot
	err := r.db.Where("source_path = ? AND fingerprint = ? AND all_succeeded = ?", p, fingerprint, true).First(&ps).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// markProcessed upserts on (source_path, fingerprint); a retried file keeps one row.
func (r *Runner) markProcessed(rec ProcessedSnapshot) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing ProcessedSnapshot
		err := tx.Where("source_path = ? AND fingerprint = ?", rec.SourcePath, rec.Fingerprint).First(&existing).Error
		switch {
		case err == nil:
			rec.ID = existing.ID
			return tx.Save(&rec).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&rec).Error
		default:
			return err
		}
	})
}

func (r *Runner) tryDeleteProcessedFile(p string, fingerprint string) error {
	removeErr := os.Remove(p)
	now := time.Now().UTC()
	if removeErr != nil {
		_ = r.db.Model(&ProcessedSnapshot{}).
			Where("source_path = ? AND fingerprint = ?", p, fingerprint).
			Updates(map[string]any{"last_error": fmt.Sprintf("delete failed: %v", removeErr)}).Error
		return removeErr
	}
	return r.db.Model(&ProcessedSnapshot{}).
		Where("source_path = ? AND fingerprint = ?", p, fingerprint).
		Updates(map[string]any{"deleted": true, "deleted_at": &now, "last_error": ""}).Error
}

func expandGlobWithDoubleStar(pattern string) ([]string, error) {
	// filepath.Glob has no **; walk from the part before it.
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}

	idx := strings.Index(pattern, "**")
	basePart := strings.TrimRight(pattern[:idx], string(filepath.Separator)+"/")
	if basePart == "" {
		basePart = "."
	}
	basePart = filepath.Clean(basePart)

	suffix := strings.TrimLeft(pattern[idx+2:], string(filepath.Separator)+"/")
	if suffix == "" {
		suffix = "*"
	}

	baseSlash := filepath.ToSlash(basePart)
	suffixSlash := filepath.ToSlash(suffix)
	matchBasenameOnly := !strings.Contains(suffixSlash, "/")

	var matches []string
	err := filepath.WalkDir(basePart, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimLeft(strings.TrimPrefix(filepath.ToSlash(p), baseSlash), "/")
		candidate := rel
		if matchBasenameOnly {
			candidate = path.Base(rel)
		}
		ok, matchErr := path.Match(suffixSlash, candidate)
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
