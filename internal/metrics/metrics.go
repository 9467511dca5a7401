package metrics

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewait",
		Name:      "runs_total",
		Help:      "Total number of supervised runs by terminal state.",
	}, []string{"process", "outcome"})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipewait",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of supervised runs in seconds.",
	}, []string{"process"})

	lastExitCode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipewait",
		Name:      "last_exit_code",
		Help:      "Exit code reported by the most recent completed run (-1 when none).",
	}, []string{"process"})

	transferSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipewait",
		Name:      "transfer_seconds",
		Help:      "Duration of the stdin write phase in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"process", "result"})

	transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewait",
		Name:      "transfer_bytes_total",
		Help:      "Total number of payload bytes handed to child stdin.",
	}, []string{"process"})

	stderrLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewait",
		Name:      "stderr_lines_total",
		Help:      "Total number of stderr lines drained from children.",
	}, []string{"process"})

	stderrDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewait",
		Name:      "stderr_dropped_total",
		Help:      "Total number of stderr lines dropped because the consumer lagged.",
	}, []string{"process"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipewait",
		Name:      "build_info",
		Help:      "Build metadata for the running pipewait binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(runsTotal, runDuration, lastExitCode, transferSeconds, transferBytes, stderrLines, stderrDropped, buildInfo)
}

// Registry returns the Prometheus registry containing all pipewait metrics.
func Registry() *prometheus.Registry {
	return registry
}

func label(process string) string {
	if process == "" {
		return "unknown"
	}
	return process
}

// ObserveRun records the terminal state of a run.
func ObserveRun(process, outcome string, exitCode int, d time.Duration) {
	name := label(process)
	runsTotal.WithLabelValues(name, outcome).Inc()
	if d > 0 {
		runDuration.WithLabelValues(name).Observe(d.Seconds())
	}
	lastExitCode.WithLabelValues(name).Set(float64(exitCode))
}

// ObserveTransfer records one stdin transfer.
func ObserveTransfer(process string, bytes int, d time.Duration, ok bool) {
	name := label(process)
	transferSeconds.WithLabelValues(name, strconv.FormatBool(ok)).Observe(d.Seconds())
	if bytes > 0 {
		transferBytes.WithLabelValues(name).Add(float64(bytes))
	}
}

// AddStderrLines increments the drained and dropped stderr line counters.
func AddStderrLines(process string, lines, dropped int) {
	name := label(process)
	if lines > 0 {
		stderrLines.WithLabelValues(name).Add(float64(lines))
	}
	if dropped > 0 {
		stderrDropped.WithLabelValues(name).Add(float64(dropped))
	}
}

// WriteTextfile writes the registry in the text exposition format, suitable
// for the node exporter textfile collector.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
