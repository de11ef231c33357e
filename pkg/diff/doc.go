/*
Package diff computes the minimal field-level delta between a desired
resource descriptor and its live counterpart.

Comparison rules:

  - Config maps are compared key-wise. Keys absent from desired are left
    untouched unless the descriptor is managed (exact-match mode), in which
    case they become unset candidates.
  - Device maps are compared as nested maps; any sub-field difference marks
    the whole device entry for wholesale replacement, matching the API's
    atomic per-device semantics.
  - Image alias lists use full-set equality against {name} ∪ aliases;
    aliases are identity, not configuration, so they always exact-replace.
  - Scalar values are canonicalized to their string API representation
    before comparison, so true and "true" never produce a spurious diff.
*/
package diff
