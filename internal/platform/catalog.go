package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CatalogFile is the catalog capture inside a backup tree.
const CatalogFile = "catalog/catalog.json"

var catalogCreateKeys = []string{"label", "repository", "branch", "preferred_trains"}

// BackupCatalogs writes every catalog record to <root>/catalog/catalog.json.
func (p *Platform) BackupCatalogs(ctx context.Context, root string) error {
	catalogs, err := p.mw.QueryCatalogs(ctx, nil)
	if err != nil {
		return fmt.Errorf("query catalogs: %w", err)
	}
	if err := writeJSON(filepath.Join(root, CatalogFile), catalogs); err != nil {
		return fmt.Errorf("write catalog backup: %w", err)
	}
	p.logger.Debug().Int("catalogs", len(catalogs)).Msg("Catalogs backed up")
	return nil
}

// ReadCatalogs loads a catalog capture.
func ReadCatalogs(root string) ([]map[string]any, error) {
	var catalogs []map[string]any
	if err := readJSON(filepath.Join(root, CatalogFile), &catalogs); err != nil {
		return nil, fmt.Errorf("read catalog backup: %w", err)
	}
	return catalogs, nil
}

// RestoreCatalogs recreates missing catalogs from <root>/catalog/catalog.json
// and syncs any whose checkout is missing on disk.
func (p *Platform) RestoreCatalogs(ctx context.Context, root string) error {
	catalogs, err := ReadCatalogs(root)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range catalogs {
		if err := p.restoreCatalog(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Platform) restoreCatalog(ctx context.Context, entry map[string]any) error {
	label, _ := entry["label"].(string)
	if label == "" {
		return fmt.Errorf("catalog entry without label")
	}
	log := p.logger.With().Str("catalog", label).Logger()

	existing, err := p.mw.QueryCatalogs(ctx, []any{[]any{"label", "=", label}})
	if err != nil {
		return fmt.Errorf("query catalog %s: %w", label, err)
	}
	if len(existing) > 0 {
		log.Info().Msg("Catalog already exists")
	} else {
		data := make(map[string]any, len(catalogCreateKeys))
		for _, key := range catalogCreateKeys {
			if v, ok := entry[key]; ok {
				data[key] = v
			}
		}
		if err := p.mw.CreateCatalog(ctx, data); err != nil {
			return fmt.Errorf("create catalog %s: %w", label, err)
		}
		log.Info().Msg("Catalog created")
	}

	location, _ := entry["location"].(string)
	if location != "" {
		if _, err := os.Stat(location); err == nil {
			return nil
		}
	}
	log.Debug().Str("location", location).Msg("Catalog checkout missing; syncing")
	if err := p.mw.SyncCatalog(ctx, label); err != nil {
		return fmt.Errorf("sync catalog %s: %w", label, err)
	}
	log.Info().Msg("Catalog synced")
	return nil
}
