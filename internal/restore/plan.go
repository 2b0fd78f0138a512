package restore

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/heavyscript/appsnap/internal/backup"
	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/ledger"
)

// Mode is how an application is brought back.
type Mode string

const (
	// ModeRedeploy re-applies the captured namespace and redeploys the
	// release in place.
	ModeRedeploy Mode = "REDEPLOY"
	// ModeRecreate creates the release from its chart metadata and values.
	ModeRecreate Mode = "RECREATE"
)

// Entry is the restore decision for one application. Its mode is fixed once
// the plan is built.
type Entry struct {
	App       string
	Mode      Mode
	Profile   Profile
	Artifacts backup.Artifacts
}

// DatabaseBacked reports whether the application runs a CNPG database.
func (e Entry) DatabaseBacked() bool {
	return e.Artifacts.IsCNPG() || e.Artifacts.Database != ""
}

// Plan is the ordered set of applications a restore works on.
type Plan struct {
	Backup  string
	Entries []Entry
	// Rejected lists applications dropped at plan time, already marked
	// critical in the ledger.
	Rejected []string
}

// Apps returns every application the plan considered, rejected ones
// included.
func (p *Plan) Apps() []string {
	out := make([]string, 0, len(p.Entries)+len(p.Rejected))
	for _, e := range p.Entries {
		out = append(out, e.App)
	}
	return append(out, p.Rejected...)
}

// Primary returns the entry of the primary chart, if the plan has one.
func (p *Plan) Primary() (Entry, bool) {
	for _, e := range p.Entries {
		if e.Profile.Primary {
			return e, true
		}
	}
	return Entry{}, false
}

// BuildPlan inventories the backup tree at root and decides a mode for each
// application. With only empty every application in the tree is planned;
// otherwise only the named ones, which must all be present. Applications
// missing their chart metadata or values are marked critical in l and left
// out.
func BuildPlan(name, root string, only []string, profiles Profiles, l *ledger.Ledger) (*Plan, error) {
	available, err := backup.ListApps(root)
	if err != nil {
		return nil, fmt.Errorf("list applications in %s: %w", name, err)
	}
	selected := available
	if len(only) > 0 {
		present := make(map[string]struct{}, len(available))
		for _, app := range available {
			present[app] = struct{}{}
		}
		var missing []string
		for _, app := range only {
			if _, ok := present[app]; !ok {
				missing = append(missing, app)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%s not in backup %s: %w", strings.Join(missing, ", "), name, apperrors.ErrNotFound)
		}
		selected = only
	}

	plan := &Plan{Backup: name}
	for _, app := range selected {
		a := backup.ReadArtifacts(backup.NewAppDir(root, app))
		if a.MissingInfo != nil {
			l.MarkCritical(app, fmt.Sprintf("Missing chart metadata or values: %v", a.MissingInfo))
			plan.Rejected = append(plan.Rejected, app)
			continue
		}
		e := Entry{App: app, Profile: profiles.For(a.Metadata.ChartName), Artifacts: a}
		switch {
		case e.Profile.Bootstrap, a.Namespace == "":
			e.Mode = ModeRecreate
		default:
			e.Mode = ModeRedeploy
		}
		plan.Entries = append(plan.Entries, e)
	}

	sort.SliceStable(plan.Entries, func(i, j int) bool {
		ri, rj := plan.Entries[i].Profile.rank(), plan.Entries[j].Profile.rank()
		if ri != rj {
			return ri < rj
		}
		return plan.Entries[i].App < plan.Entries[j].App
	})
	sort.Strings(plan.Rejected)
	return plan, nil
}

// Write renders the plan for the confirmation prompt.
func (p *Plan) Write(w io.Writer) {
	fmt.Fprintf(w, "Restore plan for %s\n\n", p.Backup)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APPLICATION\tMODE\tSECRETS\tVOLUMES\tCRDS\tDATABASE")
	for _, e := range p.Entries {
		a := e.Artifacts
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			e.App, e.Mode, len(a.Secrets), len(a.PVs)+len(a.Streams), len(a.CRDs), yesNo(a.Database != ""))
	}
	tw.Flush()
	if len(p.Rejected) > 0 {
		fmt.Fprintf(w, "\nNot restorable (missing chart information): %s\n", strings.Join(p.Rejected, ", "))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
