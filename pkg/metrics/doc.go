/*
Package metrics exports Prometheus metrics for converge.

Exposed series cover reconciliation passes (count, duration), per-kind
resource actions and failures, snapshot rotation deletions, and Incus API
call latency. Handler returns the standard promhttp endpoint handler.
*/
package metrics
