/*
Package loader parses YAML plan files into resource descriptors and
snapshot rotation policies.

Scalar config values written as YAML bools or numbers are normalized to the
string form the Incus API carries, so "size: 10" and "size: \"10\"" declare
the same desired state. The loader infers the dependency edges the resource
hierarchy implies (volumes on their pool, snapshots on their parent,
forwards and peers on their network) whenever the referenced resource is
declared in the same plan, and rejects duplicate identities up front.
*/
package loader
