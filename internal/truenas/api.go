package truenas

import (
	"context"
	"fmt"
)

// QueryReleases returns every chart release record with its Kubernetes
// resources attached.
func (c *Client) QueryReleases(ctx context.Context) ([]map[string]any, error) {
	var releases []map[string]any
	opts := map[string]any{"extra": map[string]any{"retrieve_resources": true}}
	if err := c.Call(ctx, "chart.release.query", &releases, []any{}, opts); err != nil {
		return nil, err
	}
	return releases, nil
}

// CreateRelease installs a chart release and waits for the job.
func (c *Client) CreateRelease(ctx context.Context, data map[string]any) error {
	return c.CallJobAndWait(ctx, "chart.release.create", data)
}

// RedeployRelease starts an in-place redeploy and returns its job id
// without waiting.
func (c *Client) RedeployRelease(ctx context.Context, release string) (int64, error) {
	return c.CallJob(ctx, "chart.release.redeploy_internal", release)
}

// ScaleRelease sets the replica count of every workload in release.
func (c *Client) ScaleRelease(ctx context.Context, release string, replicas int) error {
	return c.CallJobAndWait(ctx, "chart.release.scale", release, map[string]any{"replica_count": replicas})
}

// KubernetesConfig returns the platform's Kubernetes configuration record.
func (c *Client) KubernetesConfig(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	if err := c.Call(ctx, "kubernetes.config", &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateKubernetes applies a Kubernetes configuration and waits for the job.
func (c *Client) UpdateKubernetes(ctx context.Context, data map[string]any) error {
	return c.CallJobAndWait(ctx, "kubernetes.update", data)
}

// QueryCatalogs returns catalogs matching filters.
func (c *Client) QueryCatalogs(ctx context.Context, filters []any) ([]map[string]any, error) {
	if filters == nil {
		filters = []any{}
	}
	var catalogs []map[string]any
	if err := c.Call(ctx, "catalog.query", &catalogs, filters); err != nil {
		return nil, err
	}
	return catalogs, nil
}

// CreateCatalog adds a catalog and waits for the job.
func (c *Client) CreateCatalog(ctx context.Context, data map[string]any) error {
	return c.CallJobAndWait(ctx, "catalog.create", data)
}

// SyncCatalog pulls a catalog and waits for the job.
func (c *Client) SyncCatalog(ctx context.Context, label string) error {
	return c.CallJobAndWait(ctx, "catalog.sync", label)
}

// StopService stops a system service.
func (c *Client) StopService(ctx context.Context, service string) error {
	return c.Call(ctx, "service.stop", nil, service)
}

// StartService starts a system service.
func (c *Client) StartService(ctx context.Context, service string) error {
	return c.Call(ctx, "service.start", nil, service)
}

// DatastoreConfig returns the single row of a config table.
func (c *Client) DatastoreConfig(ctx context.Context, table string) (map[string]any, error) {
	var row map[string]any
	if err := c.Call(ctx, "datastore.config", &row, table); err != nil {
		return nil, err
	}
	return row, nil
}

// DatastoreUpdate updates row id of table.
func (c *Client) DatastoreUpdate(ctx context.Context, table string, id any, data map[string]any) error {
	return c.Call(ctx, "datastore.update", nil, table, id, data)
}

// ResetKubernetesCNI clears the stored CNI configuration of the Kubernetes
// service so k3s regenerates it on start.
func (c *Client) ResetKubernetesCNI(ctx context.Context) error {
	row, err := c.DatastoreConfig(ctx, "services.kubernetes")
	if err != nil {
		return fmt.Errorf("read kubernetes datastore: %w", err)
	}
	id, ok := row["id"]
	if !ok {
		return fmt.Errorf("kubernetes datastore row has no id")
	}
	return c.DatastoreUpdate(ctx, "services.kubernetes", id, map[string]any{"cni_config": map[string]any{}})
}

// DeleteDataset force-deletes a dataset and its children via the middleware.
func (c *Client) DeleteDataset(ctx context.Context, dataset string) error {
	return c.Call(ctx, "zfs.dataset.delete", nil, dataset, map[string]any{"force": true, "recursive": true})
}

// CreateDataset creates a filesystem dataset via the middleware.
func (c *Client) CreateDataset(ctx context.Context, dataset string, properties map[string]string) error {
	data := map[string]any{"name": dataset, "type": "FILESYSTEM"}
	if len(properties) > 0 {
		data["properties"] = properties
	}
	return c.Call(ctx, "zfs.dataset.create", nil, data)
}

// MountDataset mounts a dataset via the middleware.
func (c *Client) MountDataset(ctx context.Context, dataset string) error {
	return c.Call(ctx, "zfs.dataset.mount", nil, dataset)
}
