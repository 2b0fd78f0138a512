package charts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	versionMissing  = "[ENOENT] Unable to locate"
	namespaceStuck  = "[EFAULT] Unable delete namespace"
	defaultAttempts = 3
	defaultWait     = 5 * time.Second
)

// Creator installs a chart release and waits for the job.
type Creator interface {
	CreateRelease(ctx context.Context, data map[string]any) error
}

// Installer recreates releases from captured metadata and values.
type Installer struct {
	creator Creator
	logger  zerolog.Logger

	Attempts  int
	RetryWait time.Duration
}

// NewInstaller returns an Installer with three attempts five seconds apart.
func NewInstaller(creator Creator, logger zerolog.Logger) *Installer {
	return &Installer{
		creator:   creator,
		logger:    logger.With().Str("component", "charts").Logger(),
		Attempts:  defaultAttempts,
		RetryWait: defaultWait,
	}
}

// InstallFrom reads metadata.json and values.json from dir and installs.
func (i *Installer) InstallFrom(ctx context.Context, dir string) error {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return err
	}
	values, err := ReadValues(dir)
	if err != nil {
		return err
	}
	return i.Install(ctx, meta, values)
}

// Install creates the release described by meta. A version the catalog no
// longer carries is dropped so the train's current version is used, and a
// namespace still being torn down is waited out.
func (i *Installer) Install(ctx context.Context, meta Metadata, values map[string]any) error {
	data := createRequest(meta, values)
	attempts := i.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(i.RetryWait), uint64(attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		err := i.creator.CreateRelease(ctx, data)
		if err == nil {
			return nil
		}
		msg := err.Error()
		switch {
		case strings.Contains(msg, versionMissing):
			if _, ok := data["version"]; !ok {
				return backoff.Permanent(err)
			}
			i.logger.Warn().Str("release", meta.ReleaseName).Str("version", meta.Version).
				Msg("Chart version not found, retrying without version")
			delete(data, "version")
			return err
		case strings.Contains(msg, namespaceStuck):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy, func(err error, wait time.Duration) {
		i.logger.Debug().Err(err).Str("release", meta.ReleaseName).Dur("wait", wait).Msg("Retrying chart release create")
	})
	if err != nil {
		return fmt.Errorf("create chart release %s: %w", meta.ReleaseName, err)
	}
	i.logger.Info().Str("release", meta.ReleaseName).Str("chart", meta.ChartName).Msg("Chart release created")
	return nil
}

func createRequest(meta Metadata, values map[string]any) map[string]any {
	values = withStopFlagsCleared(values)
	data := map[string]any{
		"values":       values,
		"catalog":      meta.Catalog,
		"item":         meta.ChartName,
		"release_name": meta.ReleaseName,
		"train":        meta.Train,
	}
	if meta.Version != "" {
		data["version"] = meta.Version
	}
	return data
}

// withStopFlagsCleared makes sure a release captured while stopped comes
// back running.
func withStopFlagsCleared(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	global := map[string]any{}
	if existing, ok := out["global"].(map[string]any); ok {
		for k, v := range existing {
			global[k] = v
		}
	}
	ctxValues := map[string]any{}
	if existing, ok := global["ixChartContext"].(map[string]any); ok {
		for k, v := range existing {
			ctxValues[k] = v
		}
	}
	ctxValues["isStopped"] = false
	global["ixChartContext"] = ctxValues
	global["stopAll"] = false
	out["global"] = global
	return out
}
