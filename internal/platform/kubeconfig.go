package platform

import (
	"context"
	"fmt"
	"path/filepath"
)

// KubernetesConfigFile is the Kubernetes service capture inside a backup tree.
const KubernetesConfigFile = "kubernetes_config/kubernetes_config.json"

var kubernetesUpdateKeys = []string{
	"pool", "cluster_cidr", "service_cidr", "cluster_dns_ip",
	"route_v4_interface", "route_v4_gateway", "route_v6_interface", "route_v6_gateway",
	"node_ip", "configure_gpus", "servicelb", "passthrough_mode", "metrics_server",
}

// KubernetesConfig is the captured kubernetes.config record.
type KubernetesConfig struct {
	Pool    string
	Dataset string
	Raw     map[string]any
}

// BackupKubernetesConfig writes the current Kubernetes configuration into the
// backup tree and returns it.
func (p *Platform) BackupKubernetesConfig(ctx context.Context, root string) (KubernetesConfig, error) {
	raw, err := p.mw.KubernetesConfig(ctx)
	if err != nil {
		return KubernetesConfig{}, fmt.Errorf("query kubernetes config: %w", err)
	}
	if err := writeJSON(filepath.Join(root, KubernetesConfigFile), raw); err != nil {
		return KubernetesConfig{}, fmt.Errorf("write kubernetes config backup: %w", err)
	}
	return newKubernetesConfig(raw)
}

// CurrentKubernetesConfig returns the live Kubernetes configuration.
func (p *Platform) CurrentKubernetesConfig(ctx context.Context) (KubernetesConfig, error) {
	raw, err := p.mw.KubernetesConfig(ctx)
	if err != nil {
		return KubernetesConfig{}, fmt.Errorf("query kubernetes config: %w", err)
	}
	return newKubernetesConfig(raw)
}

// ReadKubernetesConfig loads the capture from a backup tree.
func ReadKubernetesConfig(root string) (KubernetesConfig, error) {
	var raw map[string]any
	if err := readJSON(filepath.Join(root, KubernetesConfigFile), &raw); err != nil {
		return KubernetesConfig{}, fmt.Errorf("read kubernetes config backup: %w", err)
	}
	return newKubernetesConfig(raw)
}

func newKubernetesConfig(raw map[string]any) (KubernetesConfig, error) {
	cfg := KubernetesConfig{Raw: raw}
	cfg.Pool, _ = raw["pool"].(string)
	cfg.Dataset, _ = raw["dataset"].(string)
	if cfg.Dataset == "" {
		return cfg, fmt.Errorf("kubernetes config has no applications dataset")
	}
	return cfg, nil
}

// RestoreKubernetesConfig pushes the captured settings back to the service.
func (p *Platform) RestoreKubernetesConfig(ctx context.Context, cfg KubernetesConfig) error {
	data := make(map[string]any, len(kubernetesUpdateKeys))
	for _, key := range kubernetesUpdateKeys {
		if v, ok := cfg.Raw[key]; ok {
			data[key] = v
		}
	}
	if err := p.mw.UpdateKubernetes(ctx, data); err != nil {
		return fmt.Errorf("restore kubernetes config: %w", err)
	}
	p.logger.Info().Str("pool", cfg.Pool).Msg("Kubernetes configuration restored")
	return nil
}
