// Package cache implements the versioned response store. A Backend is an
// opaque blob store addressed by (namespace, generation, key); the
// VersionedStore layers generation semantics on top of it: open (create if
// absent), put/get of encoded response snapshots keyed by request identity,
// enumeration of every known generation, and idempotent deletion of whole
// generations. Backends exist for the local filesystem, SQL databases
// (sqlite, postgres, mysql), redis, and process memory, with an optional
// in-memory hot tier in front of any durable backend. The store has no
// opinion about which generation is current; that is configuration owned by
// the lifecycle layer.
package cache
