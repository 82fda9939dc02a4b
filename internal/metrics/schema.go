package metrics

import (
	"database/sql"

	"codeberg.org/mutker/cpumonitor/internal/errors"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       id               INTEGER PRIMARY KEY AUTOINCREMENT,
	       session_id       TEXT NOT NULL,
	       timestamp        INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       duration_ms      INTEGER NOT NULL CHECK (duration_ms >= 0),
	       source           TEXT NOT NULL,
	       idle             REAL,
	       non_idle         REAL,
	       ticks            INTEGER NOT NULL CHECK (ticks >= 0),
	       context_switches INTEGER NOT NULL CHECK (context_switches >= 0),
	       processes        INTEGER NOT NULL CHECK (processes >= 0),
	       procs_running    INTEGER NOT NULL,
	       procs_blocked    INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS samples_session ON samples (session_id, timestamp);
	   CREATE TABLE IF NOT EXISTS core_usage (
	       sample_id INTEGER NOT NULL REFERENCES samples (id) ON DELETE CASCADE,
	       core      INTEGER NOT NULL CHECK (core >= 0),
	       idle      REAL,
	       non_idle  REAL,
	       PRIMARY KEY (sample_id, core)
	   );`

	insertSampleSQL = `
    INSERT INTO samples (
        session_id, timestamp, duration_ms, source,
        idle, non_idle, ticks,
        context_switches, processes,
        procs_running, procs_blocked
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertCoreUsageSQL = `
    INSERT INTO core_usage (sample_id, core, idle, non_idle)
    VALUES (?, ?, ?, ?)`
)

// GetSchemaVersion returns the newest recorded schema version, or 0 for a
// database that has never been initialized.
func GetSchemaVersion(db *sql.DB) (int, error) {
	exists, err := tableExists(db, "schema_versions")
	if err != nil || !exists {
		return 0, err
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, stageError(ErrSchemaValidationFailed, "read_version", "", err)
	}

	return version, nil
}

func tableExists(db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`, table,
	).Scan(&exists)
	if err != nil {
		return false, stageError(ErrSchemaValidationFailed, "check_table", table, err)
	}
	return exists, nil
}

// GetInsertSampleSQL returns the SQL to insert a sample
func GetInsertSampleSQL() string {
	return insertSampleSQL
}

func GetInsertCoreUsageSQL() string {
	return insertCoreUsageSQL
}
