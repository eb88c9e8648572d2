package store

// schema is the initial database schema. Later changes go through
// runMigrations so existing stores upgrade in place.
const schema = `
CREATE TABLE IF NOT EXISTS records (
	local_id          TEXT PRIMARY KEY,
	remote_id         TEXT,
	entity_type       TEXT NOT NULL,
	quantity          REAL NOT NULL DEFAULT 0,
	unit              TEXT NOT NULL DEFAULT '',
	occurred_at       DATETIME NOT NULL,
	day               TEXT NOT NULL,
	payload           JSON,
	sync_status       TEXT NOT NULL DEFAULT 'pending',
	processing_status TEXT NOT NULL DEFAULT 'pending',
	error_detail      TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	deleted_at        DATETIME
);

CREATE INDEX IF NOT EXISTS idx_records_type_day ON records(entity_type, day);
CREATE INDEX IF NOT EXISTS idx_records_processing ON records(processing_status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_remote ON records(remote_id) WHERE remote_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS outbox (
	intent_id        TEXT PRIMARY KEY,
	target_local_id  TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	operation        TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	next_eligible_at DATETIME NOT NULL,
	state            TEXT NOT NULL DEFAULT 'pending',
	enqueued_at      DATETIME NOT NULL,
	last_error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state, next_eligible_at);
CREATE INDEX IF NOT EXISTS idx_outbox_target ON outbox(target_local_id, state);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', '1');
`

// currentSchemaVersion is bumped whenever a migration is added.
const currentSchemaVersion = 1

// runMigrations applies the base schema when missing and upgrades older
// stores step by step.
func (s *Store) runMigrations() error {
	// Base schema is idempotent; applying it covers stores created before a
	// table existed.
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	// No incremental migrations yet beyond the base schema.
	if version < currentSchemaVersion {
		if err := s.setSchemaVersion(currentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v int
	err := s.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&v)
	if err != nil {
		return 0, nil // table missing or unset: pre-migration store
	}
	return v, nil
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`, version)
	return err
}
