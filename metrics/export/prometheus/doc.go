// Package prometheus renders goIdentity metrics in Prometheus text
// exposition format.
//
// [NewPrometheusExporter] accepts a [goIdentity.Engine] and exposes an
// [net/http.Handler]. Counter names are prefixed goidentity_*_total; the
// single histogram is goidentity_verify_latency_seconds. Nothing is
// registered globally; callers mount the Handler where they want it.
package prometheus
