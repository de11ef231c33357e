/*
Package events provides an in-process publish/subscribe broker for
reconciliation progress.

The orchestrator publishes one event per resource action (created, updated,
deleted, failed, skipped) plus pass boundaries and snapshot rotations;
consumers such as the CLI subscribe to stream progress as a pass runs.
Publishing never blocks: events are dropped when buffers fill rather than
stalling an apply.
*/
package events
