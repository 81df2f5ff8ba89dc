package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/webbundle"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Build metrics
	BuildsTotal      metric.Int64Counter
	BuildErrorsTotal metric.Int64Counter
	BuildDuration    metric.Float64Histogram

	// Output metrics
	OutputFilesTotal    metric.Int64Counter
	OutputBytesTotal    metric.Int64Counter
	ManifestWritesTotal metric.Int64Counter

	// Publish metrics
	ObjectsPublishedTotal metric.Int64Counter
	PublishErrorsTotal    metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.BuildsTotal, _ = meter.Int64Counter(
		"webbundle.builds.total",
		metric.WithDescription("Total number of successful builds"),
		metric.WithUnit("{build}"),
	)

	m.BuildErrorsTotal, _ = meter.Int64Counter(
		"webbundle.builds.errors.total",
		metric.WithDescription("Total number of aborted builds"),
		metric.WithUnit("{error}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"webbundle.builds.duration",
		metric.WithDescription("Duration of builds from entry resolution to manifest emission"),
		metric.WithUnit("ms"),
	)

	m.OutputFilesTotal, _ = meter.Int64Counter(
		"webbundle.outputs.files.total",
		metric.WithDescription("Total number of files written to the output directory"),
		metric.WithUnit("{file}"),
	)

	m.OutputBytesTotal, _ = meter.Int64Counter(
		"webbundle.outputs.bytes.total",
		metric.WithDescription("Total number of bytes written to the output directory"),
		metric.WithUnit("By"),
	)

	m.ManifestWritesTotal, _ = meter.Int64Counter(
		"webbundle.manifest.writes.total",
		metric.WithDescription("Total number of manifests written"),
		metric.WithUnit("{manifest}"),
	)

	m.ObjectsPublishedTotal, _ = meter.Int64Counter(
		"webbundle.publish.objects.total",
		metric.WithDescription("Total number of objects uploaded by publish"),
		metric.WithUnit("{object}"),
	)

	m.PublishErrorsTotal, _ = meter.Int64Counter(
		"webbundle.publish.errors.total",
		metric.WithDescription("Total number of failed uploads"),
		metric.WithUnit("{error}"),
	)

	return m
}
