// Package audit carries the append-only status transition log. Lifecycle code
// records transitions without blocking; a background hub batches them and fans
// them out to sinks such as the transitions table, Prometheus, structured logs
// and a notification topic.
package audit
