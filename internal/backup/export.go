package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/heavyscript/appsnap/internal/charts"
	"github.com/heavyscript/appsnap/internal/ledger"
	"github.com/rs/zerolog"
)

// CatalogBackup writes the catalog capture into a tree.
type CatalogBackup interface {
	BackupCatalogs(ctx context.Context, root string) error
}

// Exporter writes metadata-only exports: chart identity, cleaned values and
// catalogs, enough to reinstall an application elsewhere.
type Exporter struct {
	store    *Store
	releases Releases
	catalogs CatalogBackup
	opts     Options
	logger   zerolog.Logger
}

// NewExporter returns an Exporter writing under store's backup path.
func NewExporter(store *Store, releases Releases, catalogs CatalogBackup, opts Options, logger zerolog.Logger) *Exporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Exclude == nil {
		opts.Exclude = func(string) bool { return false }
	}
	return &Exporter{
		store:    store,
		releases: releases,
		catalogs: catalogs,
		opts:     opts,
		logger:   logger.With().Str("component", "export").Logger(),
	}
}

// Run writes one export.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	name := NewExportName(e.opts.Now())
	root := filepath.Join(e.store.Root(), name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	res := &Result{Name: name, Path: root, Ledger: ledger.New()}
	e.logger.Info().Str("path", root).Msg("Exporting chart information")

	if err := e.catalogs.BackupCatalogs(ctx, root); err != nil {
		res.Ledger.RecordError(CatalogEntry, err.Error())
	}
	if err := e.releases.Refresh(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Application refresh failed; using cached releases")
	}

	for _, rel := range e.releases.All() {
		if e.opts.Exclude(rel.Name) {
			res.Skipped = append(res.Skipped, rel.Name)
			continue
		}
		res.Apps = append(res.Apps, rel.Name)
		dir := filepath.Join(root, ChartsDir, rel.Name)
		if err := charts.WriteInfo(dir, rel, true); err != nil {
			res.Ledger.RecordError(rel.Name, err.Error())
			continue
		}
		if err := charts.WriteValuesYAML(dir, charts.CleanValues(rel.Config)); err != nil {
			res.Ledger.RecordError(rel.Name, err.Error())
		}
		e.logger.Debug().Str("app", rel.Name).Msg("Exported chart info")
	}

	if e.opts.Retention > 0 {
		pruned, err := e.store.PruneExports(ctx, e.opts.Retention, name)
		res.Pruned = pruned
		if err != nil {
			res.Ledger.RecordError(BackupEntry, err.Error())
		}
	}
	return res, nil
}
