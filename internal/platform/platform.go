// Package platform drives the host-wide pieces of a backup or restore:
// catalogs, the Kubernetes service and its configuration, and the k3s state
// that has to be reset before the application datasets are rolled back.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/truenas"
	"github.com/heavyscript/appsnap/internal/zfs"
	"github.com/rs/zerolog"
)

const (
	kubernetesService = "kubernetes"
	runtimeRunning    = "RUNNING"

	defaultRuntimeTimeout      = 1800 * time.Second
	defaultRuntimePollInterval = 15 * time.Second
)

// Middleware is the control-plane surface used by Platform.
type Middleware interface {
	KubernetesConfig(ctx context.Context) (map[string]any, error)
	UpdateKubernetes(ctx context.Context, data map[string]any) error
	QueryCatalogs(ctx context.Context, filters []any) ([]map[string]any, error)
	CreateCatalog(ctx context.Context, data map[string]any) error
	SyncCatalog(ctx context.Context, label string) error
	StopService(ctx context.Context, service string) error
	StartService(ctx context.Context, service string) error
	ResetKubernetesCNI(ctx context.Context) error
	DeleteDataset(ctx context.Context, dataset string) error
	CreateDataset(ctx context.Context, dataset string, properties map[string]string) error
	QueryJobs(ctx context.Context, filters []any) ([]truenas.Job, error)
	AbortJob(ctx context.Context, id int64) error
	WaitJob(ctx context.Context, id int64) error
}

// Options tunes Platform.
type Options struct {
	RuntimeTimeout      time.Duration
	RuntimePollInterval time.Duration
	// MountRoot is where pools are mounted, normally /mnt.
	MountRoot string
	// RancherDir holds k3s' local state, normally /etc/rancher.
	RancherDir string
}

// Platform wraps host-wide operations.
type Platform struct {
	mw     Middleware
	cli    zfs.Runner
	logger zerolog.Logger
	opts   Options
}

// New returns a Platform. cli runs the TrueNAS `cli` binary.
func New(mw Middleware, cli zfs.Runner, opts Options, logger zerolog.Logger) *Platform {
	if opts.RuntimeTimeout <= 0 {
		opts.RuntimeTimeout = defaultRuntimeTimeout
	}
	if opts.RuntimePollInterval <= 0 {
		opts.RuntimePollInterval = defaultRuntimePollInterval
	}
	if opts.MountRoot == "" {
		opts.MountRoot = "/mnt"
	}
	if opts.RancherDir == "" {
		opts.RancherDir = "/etc/rancher"
	}
	return &Platform{mw: mw, cli: cli, opts: opts, logger: logger.With().Str("component", "platform").Logger()}
}

// MountPath returns where dataset is mounted.
func (p *Platform) MountPath(dataset string) string {
	return filepath.Join(p.opts.MountRoot, dataset)
}

// StopRuntime stops the Kubernetes service.
func (p *Platform) StopRuntime(ctx context.Context) error {
	if err := p.mw.StopService(ctx, kubernetesService); err != nil {
		return fmt.Errorf("stop kubernetes service: %w", err)
	}
	return nil
}

// StartRuntime starts the Kubernetes service.
func (p *Platform) StartRuntime(ctx context.Context) error {
	if err := p.mw.StartService(ctx, kubernetesService); err != nil {
		return fmt.Errorf("start kubernetes service: %w", err)
	}
	return nil
}

// ClearRuntimeState removes k3s' local state directory.
func (p *Platform) ClearRuntimeState() error {
	if err := os.RemoveAll(p.opts.RancherDir); err != nil {
		return fmt.Errorf("delete %s: %w", p.opts.RancherDir, err)
	}
	return nil
}

// ResetNetwork clears the stored CNI configuration.
func (p *Platform) ResetNetwork(ctx context.Context) error {
	if err := p.mw.ResetKubernetesCNI(ctx); err != nil {
		return fmt.Errorf("reset kubernetes cni config: %w", err)
	}
	return nil
}

var syncJobFilter = []any{
	[]any{"OR", []any{[]any{"method", "=", "catalog.sync"}, []any{"method", "=", "catalog.sync_all"}}},
	[]any{"OR", []any{[]any{"state", "=", truenas.JobRunning}, []any{"state", "=", truenas.JobWaiting}}},
}

// AbortSyncJobs aborts queued catalog syncs and waits for running ones so
// nothing writes into the catalog datasets during rollback.
func (p *Platform) AbortSyncJobs(ctx context.Context) error {
	jobs, err := p.mw.QueryJobs(ctx, syncJobFilter)
	if err != nil {
		return fmt.Errorf("query catalog sync jobs: %w", err)
	}
	for _, job := range jobs {
		if job.State != truenas.JobWaiting {
			continue
		}
		if err := p.mw.AbortJob(ctx, job.ID); err != nil {
			p.logger.Error().Err(err).Int64("job", job.ID).Msg("Failed to abort sync job")
			continue
		}
		p.logger.Debug().Int64("job", job.ID).Msg("Aborted waiting sync job")
	}
	for _, job := range jobs {
		if job.State != truenas.JobRunning {
			continue
		}
		if err := p.mw.WaitJob(ctx, job.ID); err != nil {
			p.logger.Warn().Err(err).Int64("job", job.ID).Msg("Sync job did not complete cleanly")
		}
	}
	return nil
}

// CleanupRuntimeDir removes every directory under <apps>/k3s except the
// kubelet dataset mountpoint.
func (p *Platform) CleanupRuntimeDir(appsDataset string) error {
	dir := filepath.Join(p.MountPath(appsDataset), "k3s")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "kubelet" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Debug().Str("dir", entry.Name()).Msg("Removed k3s directory")
	}
	return errors.Join(errs...)
}

// KubeletDataset returns the dataset k3s keeps kubelet state in. It is never
// backed up and is recreated empty on restore.
func KubeletDataset(appsDataset string) string {
	return appsDataset + "/k3s/kubelet"
}

// RecreateKubeletDataset deletes and recreates the kubelet dataset with a
// legacy mountpoint. It is left unmounted for k3s to mount.
func (p *Platform) RecreateKubeletDataset(ctx context.Context, appsDataset string) error {
	dataset := KubeletDataset(appsDataset)
	if err := p.mw.DeleteDataset(ctx, dataset); err != nil {
		return fmt.Errorf("delete %s: %w", dataset, err)
	}
	if err := p.mw.CreateDataset(ctx, dataset, map[string]string{"mountpoint": "legacy"}); err != nil {
		return fmt.Errorf("create %s: %w", dataset, err)
	}
	return nil
}

// RuntimeStatus asks the TrueNAS CLI for the Kubernetes status.
func (p *Platform) RuntimeStatus(ctx context.Context) (string, error) {
	out, err := p.cli.Run(ctx, "-m", "csv", "-c", "app kubernetes status")
	if err != nil {
		return "", err
	}
	return parseRuntimeStatus(string(out))
}

func parseRuntimeStatus(out string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[1]) == "" {
		return "", fmt.Errorf("unexpected status output %q", strings.TrimSpace(out))
	}
	status, _, _ := strings.Cut(lines[1], ",")
	return strings.TrimSpace(status), nil
}

// WaitForRuntime blocks until Kubernetes reports RUNNING.
func (p *Platform) WaitForRuntime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RuntimeTimeout)
	defer cancel()
	ticker := time.NewTicker(p.opts.RuntimePollInterval)
	defer ticker.Stop()

	for {
		status, err := p.RuntimeStatus(ctx)
		switch {
		case err != nil:
			p.logger.Debug().Err(err).Msg("Kubernetes status check failed")
		case status == runtimeRunning:
			p.logger.Info().Msg("Kubernetes is RUNNING")
			return nil
		default:
			p.logger.Info().Str("status", status).Msg("Waiting for Kubernetes")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kubernetes did not report %s within %s: %w", runtimeRunning, p.opts.RuntimeTimeout, apperrors.ErrTimeout)
		case <-ticker.C:
		}
	}
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
