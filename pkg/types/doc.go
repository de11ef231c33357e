/*
Package types defines the core data structures used throughout converge.

It contains the domain model for desired-state reconciliation against an
Incus server: resource descriptors, live resource mirrors, apply results,
rotation policies, and the enums driving the orchestrator's state machine.

# Core Types

Desired state:
  - ResourceDescriptor: one declared resource (kind, identity, attributes,
    ensure disposition, dependsOn edges)
  - Source: image or instance root origin (remote server+alias or file)
  - RotationPolicy: snapshot retention rule (pattern + keep count)

Observed state:
  - LiveResource: API-sourced mirror of a descriptor's attribute shape

Outcomes:
  - DescriptorResult: per-descriptor action, terminal state, error detail
  - ApplyResult / Summary: pass-level aggregation

Descriptors are immutable once handed to the engine. Live resources are
transient and fetched fresh per pass; nothing in this package caches
hypervisor state.
*/
package types
