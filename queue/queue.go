// Package queue is the durable store backing every routed record, kept
// PENDING until acknowledged so it can be replayed: a sqlite-backed table of
// PENDING/DELIVERED rows plus a last-seen table for every identity
// that has ever registered.
package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/helphub/relay/log"
	"github.com/helphub/relay/wire"
)

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

//Status is the lifecycle state of a stored record
type Status string

const (
	Pending   Status = "PENDING"
	Delivered Status = "DELIVERED"
)

//Queue is the durable record store. All mutating operations are
//serialized through mu; reads may proceed concurrently since they
//only ever observe committed rows.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

//Open opens (creating if necessary) the sqlite database at path and
//brings its schema up to date.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

//Close releases the underlying database handle
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) migrate() error {
	var currentVersion int
	row := q.db.QueryRow(`SELECT version FROM version LIMIT 1`)
	err := row.Scan(&currentVersion)

	if err != nil {
		//No version row: assume a brand new database and lay down the
		//current schema directly, rather than replaying every migration.
		if _, execErr := q.db.Exec(baseSchema); execErr != nil {
			return fmt.Errorf("failed to create schema: %w", execErr)
		}
		if _, execErr := q.db.Exec(`INSERT INTO version (version) VALUES (?)`, schemaVersion); execErr != nil {
			return fmt.Errorf("failed to record schema version: %w", execErr)
		}
		log.Get().Infof("initialized new queue database at schema version %d", schemaVersion)
		return nil
	}

	for currentVersion < schemaVersion {
		stmt := migrations[currentVersion-1]
		if _, execErr := q.db.Exec(stmt); execErr != nil {
			//additive migrations are idempotent: a column that already
			//exists is not a failure
			if !strings.Contains(strings.ToLower(execErr.Error()), "duplicate column") {
				return fmt.Errorf("failed to apply migration to v%d: %w", currentVersion+1, execErr)
			}
		}
		currentVersion++
		if _, execErr := q.db.Exec(`UPDATE version SET version = ?`, currentVersion); execErr != nil {
			return fmt.Errorf("failed to record schema version %d: %w", currentVersion, execErr)
		}
		log.Get().Infof("migrated queue database to schema version %d", currentVersion)
	}

	return nil
}

//Store persists rec as PENDING. Storing is idempotent by id: storing
//the same id twice leaves the existing row untouched.
func (q *Queue) Store(rec wire.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		`INSERT INTO records (id, kind, from_identity, to_identity, created_at, body, priority, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(rec.Kind), rec.From, nullableText(rec.To), rec.CreatedAt, rec.Body, int(rec.Priority), string(Pending),
	)
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return nil
}

//MarkDelivered transitions id to DELIVERED. No-op if id is unknown or
//already delivered.
func (q *Queue) MarkDelivered(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		`UPDATE records SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		string(Delivered), nowMillis(), id, string(Pending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark record %s delivered: %w", id, err)
	}
	return nil
}

//PendingFor returns every PENDING record deliverable to identity —
//records addressed directly to it, plus BROADCAST records it did not
//originate — as a single list ordered by descending priority then
//ascending creation time, so that higher-priority and older records
//are delivered first regardless of which of the two categories they
//fall into.
func (q *Queue) PendingFor(identity string) ([]wire.Record, error) {
	rows, err := q.db.Query(
		`SELECT id, kind, from_identity, to_identity, created_at, body, priority
		 FROM records
		 WHERE status = ? AND (to_identity = ? OR (kind = ? AND from_identity != ?))
		 ORDER BY priority DESC, created_at ASC`,
		string(Pending), identity, string(wire.Broadcast), identity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records for %s: %w", identity, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

//UpsertLastSeen records identity as having been active at timestampMs,
//inserting a new row if this is the first time identity has been seen.
func (q *Queue) UpsertLastSeen(identity string, timestampMs int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		`INSERT INTO clients (identity, last_seen) VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET last_seen = excluded.last_seen`,
		identity, timestampMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record last-seen for %s: %w", identity, err)
	}
	return nil
}

//LastSeen returns the last recorded activity timestamp for identity.
//ok is false if identity has never been seen.
func (q *Queue) LastSeen(identity string) (timestampMs int64, ok bool, err error) {
	row := q.db.QueryRow(`SELECT last_seen FROM clients WHERE identity = ?`, identity)
	scanErr := row.Scan(&timestampMs)
	if scanErr == sql.ErrNoRows {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, fmt.Errorf("failed to read last-seen for %s: %w", identity, scanErr)
	}
	return timestampMs, true, nil
}

//StaleIdentities returns every identity whose last-seen timestamp is
//older than olderThanMs, for the reliability sweep to force disconnect
func (q *Queue) StaleIdentities(olderThanMs int64) ([]string, error) {
	rows, err := q.db.Query(`SELECT identity FROM clients WHERE last_seen < ?`, olderThanMs)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale identities: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

//PendingCount returns the total number of PENDING records in the queue
func (q *Queue) PendingCount() (int, error) {
	var count int
	row := q.db.QueryRow(`SELECT COUNT(*) FROM records WHERE status = ?`, string(Pending))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

//TotalCount returns the total number of records ever stored, pending
//or delivered
func (q *Queue) TotalCount() (int, error) {
	var count int
	row := q.db.QueryRow(`SELECT COUNT(*) FROM records`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

//IdentitiesWithPendingDirect returns every identity that has at least
//one PENDING record addressed directly to it, for the admin
//control-plane's clientsWithPending view.
func (q *Queue) IdentitiesWithPendingDirect() ([]string, error) {
	rows, err := q.db.Query(
		`SELECT DISTINCT to_identity FROM records
		 WHERE status = ? AND to_identity IS NOT NULL`,
		string(Pending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities with pending records: %w", err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]wire.Record, error) {
	var records []wire.Record
	for rows.Next() {
		var rec wire.Record
		var kind string
		var to sql.NullString
		var priority int

		if err := rows.Scan(&rec.ID, &kind, &rec.From, &to, &rec.CreatedAt, &rec.Body, &priority); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Kind = wire.Kind(kind)
		rec.Priority = wire.ParsePriority(priority)
		if to.Valid {
			rec.To = to.String
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
