// Package charts reads and writes the chart half of a backup: release
// metadata, release values and the chart version directory, and recreates
// releases from them.
package charts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/heavyscript/appsnap/internal/apps"
	"gopkg.in/yaml.v3"
)

const (
	InfoDir        = "chart_info"
	VersionsDir    = "chart_versions"
	MetadataFile   = "metadata.json"
	ValuesFile     = "values.json"
	ValuesYAMLFile = "values.yaml"
)

// Values keys the middleware generates per install. They are stripped from
// exports so an import does not carry host-specific state.
var generatedKeys = map[string]struct{}{
	"ixCertificateAuthorities":               {},
	"ixCertificates":                         {},
	"ixChartContext":                         {},
	"ixExternalInterfacesConfiguration":      {},
	"ixExternalInterfacesConfigurationNames": {},
	"ixVolumes":                              {},
}

// Metadata identifies the chart a release was installed from.
type Metadata struct {
	ChartName   string `json:"chart_name"`
	Catalog     string `json:"catalog"`
	Train       string `json:"train"`
	Version     string `json:"version"`
	ReleaseName string `json:"release_name"`
}

// MetadataFor returns the metadata of a cached release.
func MetadataFor(r apps.Release) Metadata {
	return Metadata{
		ChartName:   r.ChartName,
		Catalog:     r.Catalog,
		Train:       r.Train,
		Version:     r.Version,
		ReleaseName: r.Name,
	}
}

// WriteInfo writes metadata.json and values.json for r into dir. With clean
// set, the generated ix* keys are removed from the values first.
func WriteInfo(dir string, r apps.Release, clean bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, MetadataFile), MetadataFor(r)); err != nil {
		return fmt.Errorf("write metadata for %s: %w", r.Name, err)
	}
	values := r.Config
	if clean {
		values = CleanValues(values)
	}
	if values == nil {
		values = map[string]any{}
	}
	if err := writeJSON(filepath.Join(dir, ValuesFile), values); err != nil {
		return fmt.Errorf("write values for %s: %w", r.Name, err)
	}
	return nil
}

// WriteValuesYAML writes values as values.yaml next to values.json, for
// people editing an export by hand.
func WriteValuesYAML(dir string, values map[string]any) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode values yaml: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ValuesYAMLFile), data, 0o644)
}

// ReadMetadata loads metadata.json from dir.
func ReadMetadata(dir string) (Metadata, error) {
	var meta Metadata
	if err := readJSON(filepath.Join(dir, MetadataFile), &meta); err != nil {
		return Metadata{}, err
	}
	if meta.ChartName == "" || meta.ReleaseName == "" {
		return Metadata{}, fmt.Errorf("%s: chart_name and release_name are required", filepath.Join(dir, MetadataFile))
	}
	return meta, nil
}

// ReadValues loads values.json from dir.
func ReadValues(dir string) (map[string]any, error) {
	var values map[string]any
	if err := readJSON(filepath.Join(dir, ValuesFile), &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

// InfoLocation returns the directory holding metadata.json for a chart
// directory. Full backups keep it under chart_info/, exports do not.
func InfoLocation(chartDir string) string {
	nested := filepath.Join(chartDir, InfoDir)
	if _, err := os.Stat(filepath.Join(nested, MetadataFile)); err == nil {
		return nested
	}
	return chartDir
}

// CleanValues returns a copy of values without the generated ix* keys at
// any depth.
func CleanValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, drop := generatedKeys[k]; drop {
			continue
		}
		out[k] = cleanValue(v)
	}
	return out
}

func cleanValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CleanValues(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = cleanValue(item)
		}
		return items
	default:
		return v
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, err)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
