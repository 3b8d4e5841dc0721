// Package metrics holds the Prometheus collectors for the
// orchestrator. All metrics live on a custom registry so tests and
// embedding applications never touch global state.
package metrics
