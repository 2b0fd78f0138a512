// Package metrics records run counters and writes them in the Prometheus
// text format for node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	apperrors "github.com/heavyscript/appsnap/internal/errors"
	"github.com/heavyscript/appsnap/internal/ledger"
)

// Recorder holds the run metrics in a private registry. The zero value is
// not usable; call New.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.GaugeVec
	appFailures  *prometheus.CounterVec
	retained     prometheus.Gauge
	lastSuccess  *prometheus.GaugeVec
	textfilePath string
}

// New creates a Recorder. An empty textfilePath makes Flush a no-op.
func New(textfilePath string) *Recorder {
	r := &Recorder{
		registry:     prometheus.NewRegistry(),
		textfilePath: textfilePath,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appsnap_runs_total",
				Help: "Runs by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		runDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appsnap_run_duration_seconds",
				Help: "Duration of the most recent run by action",
			},
			[]string{"action"},
		),
		appFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appsnap_app_failures_total",
				Help: "Application failures recorded during runs by action and class",
			},
			[]string{"action", "class"},
		),
		retained: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "appsnap_backups_retained",
				Help: "Full backups present after the last backup run",
			},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "appsnap_last_success_timestamp_seconds",
				Help: "Unix time of the last successful run by action",
			},
			[]string{"action"},
		),
	}
	r.registry.MustRegister(r.runsTotal, r.runDuration, r.appFailures, r.retained, r.lastSuccess)
	return r
}

// ObserveRun records one finished run. success marks runs that completed
// without errors; l may be nil.
func (r *Recorder) ObserveRun(action, outcome string, duration time.Duration, success bool, finished time.Time, l *ledger.Ledger) {
	r.runsTotal.WithLabelValues(action, outcome).Inc()
	r.runDuration.WithLabelValues(action).Set(duration.Seconds())
	if l != nil {
		for class, n := range l.ClassCounts() {
			r.appFailures.WithLabelValues(action, string(class)).Add(float64(n))
		}
	}
	if success {
		r.lastSuccess.WithLabelValues(action).Set(float64(finished.Unix()))
	}
}

// ObserveFatal counts the class of the error that ended a run.
func (r *Recorder) ObserveFatal(action string, err error) {
	if err == nil {
		return
	}
	r.appFailures.WithLabelValues(action, string(apperrors.ClassOf(err))).Inc()
}

// SetRetained records how many full backups exist.
func (r *Recorder) SetRetained(n int) {
	r.retained.Set(float64(n))
}

// Gather returns the current metric families.
func (r *Recorder) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// Value returns the value of a counter or gauge with the given labels, and
// whether it was found.
func (r *Recorder) Value(name string, labels map[string]string) (float64, bool) {
	families, err := r.registry.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue(), true
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

// Seed loads run history recorded before this process started, so the
// totals written by Flush survive across invocations. It must be called
// before any ObserveRun.
func (r *Recorder) Seed(runs map[string]map[string]int, lastSuccess map[string]time.Time) {
	for action, outcomes := range runs {
		for outcome, n := range outcomes {
			r.runsTotal.WithLabelValues(action, outcome).Add(float64(n))
		}
	}
	for action, at := range lastSuccess {
		r.lastSuccess.WithLabelValues(action).Set(float64(at.Unix()))
	}
}

// Flush writes the registry to the textfile target.
func (r *Recorder) Flush() error {
	if r.textfilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.textfilePath), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.textfilePath, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
