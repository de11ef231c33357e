// Package journal persists reconciliation pass results in a BoltDB file
// for later inspection. Each pass is stored under its UUID with the full
// per-descriptor result list and summary.
package journal
