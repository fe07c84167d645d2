// Package metrics exposes Prometheus instrumentation for the sync engine.
//
// Collectors are registered on the default registry at init via promauto.
// Components call the Record* helpers rather than touching the vectors
// directly so label values stay consistent.
package metrics
