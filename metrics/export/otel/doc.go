// Package otel binds goIdentity counters and histograms to OpenTelemetry
// instruments.
//
// [NewOTelExporter] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per histogram bucket; one callback reads
// [goIdentity.Engine.MetricsSnapshot] each collection cycle. Callers own
// the MeterProvider and supply the Meter.
package otel
