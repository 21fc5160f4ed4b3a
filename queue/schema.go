package queue

//schemaVersion is the current migration target. Bumped whenever an
//additive migration is introduced; migrations never drop columns.
const schemaVersion = 2

const baseSchema = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

CREATE TABLE records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	from_identity TEXT NOT NULL,
	to_identity TEXT,
	created_at INTEGER NOT NULL,
	body TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	delivered_at INTEGER
);
CREATE INDEX idx_records_to ON records (to_identity, status);
CREATE INDEX idx_records_kind ON records (kind, status);

CREATE TABLE clients (
	identity TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL
);
`

//migrations holds additive, in-order schema changes applied to
//databases created by an older binary. Each entry is idempotent:
//"duplicate column" style errors are treated as already-applied.
var migrations = []string{
	//v1 -> v2: delivered_at was added to support an optional
	//deliveredTimestamp wire field once it is introduced (spec §4.1).
	//Fresh databases get this column from baseSchema directly; this
	//entry only matters for databases created before v2 existed.
	`ALTER TABLE records ADD COLUMN delivered_at INTEGER`,
}
