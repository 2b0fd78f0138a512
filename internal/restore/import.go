package restore

import (
	"context"
	"fmt"

	"github.com/heavyscript/appsnap/internal/backup"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/ledger"
)

// Import creates releases from the chart information in a backup or export,
// without any volume, namespace or database state. With only empty every
// application in the tree is imported.
func (s *Restorer) Import(ctx context.Context, name string, only []string) (*Report, error) {
	entry, err := s.store.Get(name)
	if err != nil {
		return nil, apperrors.Fatal("import", err)
	}
	names := only
	if len(names) == 0 {
		if names, err = backup.ListApps(entry.Path); err != nil {
			return nil, apperrors.Fatal("import", fmt.Errorf("list applications in %s: %w", name, err))
		}
	}

	l := ledger.New()
	log := s.logger.With().Str("backup", name).Logger()
	if err := s.platform.RestoreCatalogs(ctx, entry.Path); err != nil {
		log.Warn().Err(err).Msg("Catalog restore failed; importing anyway")
	}

	for _, app := range names {
		a := backup.ReadArtifacts(backup.NewAppDir(entry.Path, app))
		if a.MissingInfo != nil {
			l.MarkCritical(app, fmt.Sprintf("Missing chart metadata or values: %v", a.MissingInfo))
			continue
		}
		log.Info().Str("app", app).Str("chart", a.Metadata.ChartName).Msg("Importing application")
		if err := s.installer.Install(ctx, a.Metadata, a.Values); err != nil {
			l.MarkCritical(app, err.Error())
		}
	}

	l.WriteReport(s.opts.Out, "Import summary for "+name, names)
	return &Report{
		Backup:  name,
		State:   stateReport,
		Apps:    names,
		Summary: l.Summarize(names),
		Ledger:  l,
	}, nil
}
