package persist

// Migration is a single forward-only schema change, applied in Version
// order. Each backend supplies its own dialect-specific SQL text for the
// same ordered set of logical changes; the runner in each backend package
// applies every migration newer than the database's current version
// inside one transaction guarded by a transaction-scoped advisory lock
// (Postgres) or the backend's natural single-writer semantics (sqlite),
// then records the new version in schema_migrations.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// MigrationLockTag is the four ASCII bytes the Postgres backend derives its
// advisory lock id from, matching the tag this SDK uses everywhere it needs
// a small fixed identifier (log subsystem tags, migration locks).
const MigrationLockTag = "SPRK"
