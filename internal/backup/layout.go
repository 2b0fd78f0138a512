package backup

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/heavyscript/appsnap/internal/charts"
	"github.com/heavyscript/appsnap/internal/zfs"
)

const (
	ChartsDir        = "charts"
	objectsDir       = "kubernetes_objects"
	namespaceFile    = "namespace/namespace.yaml"
	secretsDir       = "secrets"
	crdsDir          = "crds"
	volumesDir       = "pv_zfs_volumes"
	databaseDir      = "database"
	snapshotsDir     = "snapshots"
	cnpgDeleteFile   = "cnpg_pvcs_to_delete.txt"
	pvSuffix         = "-pv.yaml"
	zfsVolumeSuffix  = "-zfsvolume.yaml"
	databaseDumpExt  = ".sql.gz"
	plainDatabaseExt = ".sql"
)

// AppDir is one application's directory inside a backup tree.
type AppDir struct {
	Name string
	Path string
}

// NewAppDir returns the directory of app under the backup tree at root.
func NewAppDir(root, app string) AppDir {
	return AppDir{Name: app, Path: filepath.Join(root, ChartsDir, app)}
}

func (d AppDir) InfoDir() string       { return filepath.Join(d.Path, charts.InfoDir) }
func (d AppDir) VersionsDir() string   { return filepath.Join(d.Path, charts.VersionsDir) }
func (d AppDir) NamespaceFile() string { return filepath.Join(d.Path, objectsDir, namespaceFile) }
func (d AppDir) SecretsDir() string    { return filepath.Join(d.Path, objectsDir, secretsDir) }
func (d AppDir) CRDsDir() string       { return filepath.Join(d.Path, objectsDir, crdsDir) }
func (d AppDir) VolumesDir() string    { return filepath.Join(d.Path, objectsDir, volumesDir) }
func (d AppDir) SnapshotsDir() string  { return filepath.Join(d.Path, snapshotsDir) }
func (d AppDir) CNPGDeleteFile() string {
	return filepath.Join(d.Path, cnpgDeleteFile)
}

// DatabaseFile is where the dump of the app's database is written.
func (d AppDir) DatabaseFile() string {
	return filepath.Join(d.Path, databaseDir, d.Name+databaseDumpExt)
}

// StreamFile is where a snapshot stream is written.
func (d AppDir) StreamFile(snapshot string) string {
	return filepath.Join(d.SnapshotsDir(), zfs.StreamFileName(snapshot))
}

// Artifacts is what a backup tree holds for one application.
type Artifacts struct {
	App         AppDir
	Metadata    charts.Metadata
	Values      map[string]any
	Namespace   string
	Secrets     []string
	CRDs        []string
	PVs         []string
	ZFSVolumes  []string
	Database    string
	Version     string
	Streams     []string
	CNPGDeletes []string
	// MissingInfo names the chart_info file that could not be read, if any.
	MissingInfo error
}

// IsCNPG reports whether the captured values enable a CNPG database.
func (a Artifacts) IsCNPG() bool {
	cnpg, _ := a.Values["cnpg"].(map[string]any)
	for _, v := range cnpg {
		if sub, ok := v.(map[string]any); ok {
			if enabled, _ := sub["enabled"].(bool); enabled {
				return true
			}
		}
	}
	return false
}

// ReadArtifacts inventories one application directory. Unreadable chart
// metadata or values are reported in MissingInfo rather than as an error so
// the caller can decide how to treat the application.
func ReadArtifacts(dir AppDir) Artifacts {
	a := Artifacts{App: dir}
	info := charts.InfoLocation(dir.Path)
	meta, err := charts.ReadMetadata(info)
	if err != nil {
		a.MissingInfo = err
	} else {
		a.Metadata = meta
	}
	if values, err := charts.ReadValues(info); err != nil {
		a.MissingInfo = errors.Join(a.MissingInfo, err)
	} else {
		a.Values = values
	}

	if fileExists(dir.NamespaceFile()) {
		a.Namespace = dir.NamespaceFile()
	}
	a.Secrets = listFiles(dir.SecretsDir(), "")
	a.CRDs = listFiles(dir.CRDsDir(), "")
	a.PVs = listFiles(dir.VolumesDir(), pvSuffix)
	a.ZFSVolumes = listFiles(dir.VolumesDir(), zfsVolumeSuffix)
	a.Streams = listFiles(dir.SnapshotsDir(), ".zfs")

	for _, candidate := range []string{
		filepath.Join(dir.Path, databaseDir, dir.Name+plainDatabaseExt),
		dir.DatabaseFile(),
	} {
		if fileExists(candidate) {
			a.Database = candidate
			break
		}
	}
	if archive, ok := charts.FindVersionArchive(dir.VersionsDir()); ok {
		a.Version = archive
	}
	a.CNPGDeletes = readLines(dir.CNPGDeleteFile())
	return a
}

// ListApps returns the application directories in a backup tree, sorted.
func ListApps(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, ChartsDir))
	if err != nil {
		return nil, err
	}
	var apps []string
	for _, e := range entries {
		if e.IsDir() {
			apps = append(apps, e.Name())
		}
	}
	sort.Strings(apps)
	return apps, nil
}

func listFiles(dir, suffix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
