/*
Package resolver determines whether a live resource matches a desired
descriptor, using kind-specific lookup strategies.

Most kinds resolve by exact name or composite key (pool+type+name,
instance+snapshot, network+address). Images are special: fingerprint wins
when declared, then the descriptor name is tried as an alias, then each
additional alias, then the remote source alias.

Absence and failure are never conflated: a missing resource yields (nil,
nil), while a lookup that failed for transport or auth reasons yields a
ResolutionError so callers cannot mistake "couldn't check" for "doesn't
exist".
*/
package resolver
