/*
Package orchestrator drives a reconciliation pass over a descriptor set.

Descriptors are validated (unique identities, no dependency cycles), sorted
into static kind tiers, topologically ordered by dependsOn within each tier,
and executed in dependency waves with bounded concurrency. Each descriptor
moves through a small state machine: resolve the live resource, classify the
required action (create, update, delete, none), apply it, record the result.

A failed descriptor fails alone; its dependents are skipped while unrelated
descriptors continue. Atomic mode stops launching new operations after the
first failure. Context cancellation likewise stops new operations but never
interrupts or rolls back ones already in flight.
*/
package orchestrator
