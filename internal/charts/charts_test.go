package charts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/heavyscript/appsnap/internal/apps"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCreator struct {
	errs  []error
	calls []map[string]any
}

func (c *scriptedCreator) CreateRelease(_ context.Context, data map[string]any) error {
	snapshot := make(map[string]any, len(data))
	for k, v := range data {
		snapshot[k] = v
	}
	c.calls = append(c.calls, snapshot)
	if len(c.errs) == 0 {
		return nil
	}
	err := c.errs[0]
	c.errs = c.errs[1:]
	return err
}

func newTestInstaller(c *scriptedCreator) *Installer {
	i := NewInstaller(c, zerolog.Nop())
	i.RetryWait = 0
	return i
}

var testMeta = Metadata{ChartName: "plex", Catalog: "TRUECHARTS", Train: "stable", Version: "18.0.1", ReleaseName: "plex"}

func TestInstallClearsStopFlags(t *testing.T) {
	c := &scriptedCreator{}
	values := map[string]any{
		"global": map[string]any{"stopAll": true, "ixChartContext": map[string]any{"isStopped": true, "storageClassName": "ix"}},
		"image":  map[string]any{"tag": "latest"},
	}

	require.NoError(t, newTestInstaller(c).Install(context.Background(), testMeta, values))
	require.Len(t, c.calls, 1)

	data := c.calls[0]
	assert.Equal(t, "plex", data["item"])
	assert.Equal(t, "18.0.1", data["version"])
	global := data["values"].(map[string]any)["global"].(map[string]any)
	assert.Equal(t, false, global["stopAll"])
	ixctx := global["ixChartContext"].(map[string]any)
	assert.Equal(t, false, ixctx["isStopped"])
	assert.Equal(t, "ix", ixctx["storageClassName"])

	// caller's values are untouched
	assert.Equal(t, true, values["global"].(map[string]any)["stopAll"])
}

func TestInstallRetriesWithoutMissingVersion(t *testing.T) {
	c := &scriptedCreator{errs: []error{errors.New("middleware call chart.release.create failed: [ENOENT] Unable to locate '18.0.1' version")}}

	require.NoError(t, newTestInstaller(c).Install(context.Background(), testMeta, nil))
	require.Len(t, c.calls, 2)
	assert.Contains(t, c.calls[0], "version")
	assert.NotContains(t, c.calls[1], "version")
}

func TestInstallRetriesStuckNamespace(t *testing.T) {
	stuck := errors.New("[EFAULT] Unable delete namespace ix-plex")
	c := &scriptedCreator{errs: []error{stuck, stuck, stuck}}

	err := newTestInstaller(c).Install(context.Background(), testMeta, nil)
	require.Error(t, err)
	assert.Len(t, c.calls, 3)
	assert.Contains(t, err.Error(), "Unable delete namespace")
}

func TestInstallDoesNotRetryOtherErrors(t *testing.T) {
	c := &scriptedCreator{errs: []error{errors.New("[EINVAL] values.image: invalid")}}

	err := newTestInstaller(c).Install(context.Background(), testMeta, nil)
	require.Error(t, err)
	assert.Len(t, c.calls, 1)
}

func TestCleanValuesRemovesGeneratedKeys(t *testing.T) {
	values := map[string]any{
		"ixChartContext": map[string]any{"isStopped": false},
		"ixVolumes":      []any{map[string]any{"hostPath": "/mnt/tank/ix-applications/releases/plex/volumes/ix_volumes/config"}},
		"persistence": map[string]any{
			"config": map[string]any{"ixCertificates": map[string]any{}, "size": "1Gi"},
		},
		"extra": []any{map[string]any{"ixCertificateAuthorities": 1, "name": "a"}},
	}

	cleaned := CleanValues(values)
	assert.NotContains(t, cleaned, "ixChartContext")
	assert.NotContains(t, cleaned, "ixVolumes")
	assert.Equal(t, map[string]any{"size": "1Gi"}, cleaned["persistence"].(map[string]any)["config"])
	assert.Equal(t, []any{map[string]any{"name": "a"}}, cleaned["extra"])
	assert.Contains(t, values, "ixVolumes")
}

func TestWriteAndReadInfo(t *testing.T) {
	dir := filepath.Join(t.TempDir(), InfoDir)
	release := apps.Release{
		Name: "plex", ChartName: "plex", Catalog: "TRUECHARTS", Train: "stable", Version: "18.0.1",
		Config: map[string]any{"ixVolumes": []any{}, "port": float64(32400)},
	}

	require.NoError(t, WriteInfo(dir, release, true))

	meta, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, testMeta, meta)

	values, err := ReadValues(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"port": float64(32400)}, values)

	assert.Equal(t, dir, InfoLocation(filepath.Dir(dir)))
	assert.Equal(t, dir, InfoLocation(dir))
}

func TestReadMetadataRequiresNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(`{"catalog":"x"}`), 0o644))
	_, err := ReadMetadata(dir)
	assert.Error(t, err)
}

func TestArchiveRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "18.0.1")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "crds"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Chart.yaml"), []byte("name: plex\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "crds", "a.yaml"), []byte("kind: CustomResourceDefinition\n"), 0o644))

	versions := t.TempDir()
	archive := VersionArchive(versions, "18.0.1")
	require.NoError(t, ArchiveVersion(src, archive))

	found, ok := FindVersionArchive(versions)
	require.True(t, ok)
	assert.Equal(t, archive, found)
	assert.Equal(t, "18.0.1", VersionFromArchive(found))

	dest := filepath.Join(t.TempDir(), "charts", "18.0.1")
	extracted, err := ExtractVersion(archive, dest)
	require.NoError(t, err)
	assert.True(t, extracted)

	data, err := os.ReadFile(filepath.Join(dest, "crds", "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "kind: CustomResourceDefinition\n", string(data))

	extracted, err = ExtractVersion(archive, dest)
	require.NoError(t, err)
	assert.False(t, extracted, "non-empty destination is left alone")
}

func TestArchiveMissingSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "v.tar.gz")
	require.Error(t, ArchiveVersion(filepath.Join(t.TempDir(), "missing"), dest))
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}
