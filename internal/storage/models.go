package storage

// Bucket names for bbolt database
const (
	SessionsBucket = "sessions"
	MetaBucket     = "meta"
)

// Meta keys
const (
	SchemaVersionKey  = "schema"
	CurrentSessionKey = "current_session"
)

// Current schema version
const CurrentSchemaVersion = 1
