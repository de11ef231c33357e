/*
Package rotation implements snapshot retention policies.

A policy names an instance or a pool+volume, a shell-glob pattern
(* matches any run, ? one character, [seq] a class) and a keep count.
Matching snapshots are sorted newest first, with name-descending as the
tie-break for equal timestamps, and everything beyond the keep newest is
deleted. keep=0 deletes all matches; fewer matches than keep deletes
nothing.

Rotation runs after snapshot creation within a pass; snapshots created in
the same pass are excluded, so a fresh snapshot can only be evicted by a
later pass.
*/
package rotation
