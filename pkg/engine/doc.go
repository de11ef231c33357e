/*
Package engine ties a reconciliation pass together: it resolves live state,
lets the orchestrator classify and apply each descriptor, rotates snapshots
afterwards, and journals the outcome.

Snapshots created during the pass are tracked by the applier and handed to
rotation as an exclusion set, so a freshly declared snapshot can never be
its own rotation victim.
*/
package engine
