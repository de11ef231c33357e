/*
Package incus is a thin typed client for the Incus REST API.

It connects over the local Unix admin socket or a remote HTTPS endpoint
with client-certificate authentication, and exposes one method per resource
operation the reconciler consumes: list, fetch, create, update, delete, plus
kind-specific actions (instance state changes, snapshot restore, cluster
join).

Async API responses (image imports, snapshots, state changes) are waited on
transparently: the client polls the returned operation until it succeeds,
fails, or the caller's context expires.

Errors are typed. ErrNotFound means the resource does not exist and is never
produced by transport failures; APIError preserves the server's message
verbatim; ConflictError marks in-use rejections; TimeoutError marks deadline
expiry so callers can distinguish it from server failures.

The client caches nothing: every lookup is a fresh round-trip, so state
changed by external actors is always observed.
*/
package incus
