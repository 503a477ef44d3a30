// Package sinks implements progress consumers: structured logs, per-site
// Prometheus series, and daily per-site counters in the relational store.
package sinks
