// Package metrics defines Prometheus metrics for webcinema.
//
// Metrics are registered via promauto at package load time and exposed by the
// /metrics endpoint. Collectors cover the HTTP surface, source probes, build
// coordination, the transcode engine (including hardware fallbacks), and the
// segment store.
package metrics
