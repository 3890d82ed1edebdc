// Package cache implements the named, persistent response storage that the
// shell worker pre-caches into and serves from. A Storage holds an ordered
// set of named stores; each Store maps a request identity (method + absolute
// URL) to a complete response (status, headers, body).
//
// Three drivers are provided: a disk-backed store (one directory per cache,
// body + msgpack metadata per entry, temp file + rename writes), a Redis
// store (sorted set of cache names plus one hash per cache) and an
// in-process store used by tests. WithMemoryTier fronts any driver with a
// ristretto read cache, and BackgroundWriter performs fire-and-forget writes
// whose outcome is only reported through a callback.
package cache
