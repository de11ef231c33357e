/*
Package settings reconciles hypervisor-wide configuration in three modes.

Incremental merges desired keys into live config and never removes a key.
Single-key sets or unsets exactly one key; unset reverts to the server
default rather than writing an empty string. Exact-replace makes live config
equal desired config, explicitly unsetting every undeclared live key.

Merge computes the delta; Apply projects it onto the live config to produce
the map sent to the server. The full map is written in one PUT, so a pass
either replaces the config or leaves it untouched; there is no per-key
partial failure to police.
*/
package settings
