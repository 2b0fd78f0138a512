package apps

import (
	"fmt"
	"sort"
	"strings"
)

// Release statuses reported by the middleware. Others are kept verbatim.
const (
	StatusActive    = "ACTIVE"
	StatusStopped   = "STOPPED"
	StatusDeploying = "DEPLOYING"
)

const cnpgRoleLabel = "cnpg.io/instanceRole"

// Release is one deployed chart release as seen by the control plane.
type Release struct {
	Name      string
	ChartName string
	Catalog   string
	Train     string
	Version   string
	Status    string
	Config    map[string]any

	IsCNPG         bool
	HasPVC         bool
	Stopped        bool
	PrimaryCNPGPod string
}

// Active reports whether the release reached the ACTIVE status.
func (r Release) Active() bool {
	return strings.EqualFold(r.Status, StatusActive)
}

// ReleaseFromRecord derives a Release from a chart.release.query record.
func ReleaseFromRecord(record map[string]any) (Release, error) {
	name := str(record["id"])
	if name == "" {
		name = str(record["name"])
	}
	if name == "" {
		return Release{}, fmt.Errorf("release record has no id")
	}

	meta, _ := record["chart_metadata"].(map[string]any)
	config, _ := record["config"].(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	r := Release{
		Name:      name,
		ChartName: str(meta["name"]),
		Version:   str(meta["version"]),
		Catalog:   str(record["catalog"]),
		Train:     str(record["catalog_train"]),
		Status:    str(record["status"]),
		Config:    config,
	}
	r.IsCNPG = anyEnabled(config["cnpg"])
	r.HasPVC = anyPVC(config["persistence"])
	r.Stopped = isStopped(config) || strings.EqualFold(r.Status, StatusStopped)
	r.PrimaryCNPGPod = primaryPod(record["resources"])
	return r, nil
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func anyEnabled(v any) bool {
	entries, _ := v.(map[string]any)
	for _, entry := range entries {
		if m, ok := entry.(map[string]any); ok && truthy(m["enabled"]) {
			return true
		}
	}
	return false
}

func anyPVC(v any) bool {
	entries, _ := v.(map[string]any)
	for _, entry := range entries {
		if m, ok := entry.(map[string]any); ok && str(m["type"]) == "pvc" {
			return true
		}
	}
	return false
}

func isStopped(config map[string]any) bool {
	global, _ := config["global"].(map[string]any)
	if truthy(global["stopAll"]) {
		return true
	}
	ctx, _ := global["ixChartContext"].(map[string]any)
	return truthy(ctx["isStopped"])
}

func primaryPod(v any) string {
	resources, _ := v.(map[string]any)
	pods, _ := resources["pods"].([]any)
	var names []string
	for _, p := range pods {
		pod, _ := p.(map[string]any)
		meta, _ := pod["metadata"].(map[string]any)
		labels, _ := meta["labels"].(map[string]any)
		if str(labels[cnpgRoleLabel]) == "primary" {
			names = append(names, str(meta["name"]))
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}
