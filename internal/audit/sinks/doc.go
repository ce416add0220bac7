// Package sinks implements audit consumers: the durable transitions table,
// Prometheus collectors, structured logs and an event topic. Each satisfies
// audit.Sink and tolerates repeated Consume/Close cycles.
package sinks
