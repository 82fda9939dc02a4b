package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
)

// maxBackups is how many pre-migration copies are kept next to the database.
const maxBackups = 5

// stage describes the step of a schema operation that failed.
type stage struct {
	Phase  string
	Target string
	Error  string
}

func stageError(code errors.ErrorCode, phase, target string, err error) errors.Error {
	return errors.New().WithData(code, stage{
		Phase:  phase,
		Target: target,
		Error:  err.Error(),
	})
}

// migrator brings a sample database to SchemaVersion. Incompatible
// databases are copied aside and recreated; samples are never converted.
type migrator struct {
	db        *sql.DB
	backupDir string
	log       logger.Logger
}

func newMigrator(db *sql.DB, dbPath string, log logger.Logger) *migrator {
	return &migrator{
		db:        db,
		backupDir: filepath.Join(filepath.Dir(dbPath), backupDirName),
		log:       log,
	}
}

// ValidateAndUpdateSchema checks the schema version of the database at
// dbPath and recreates the schema if it does not match, backing up any
// existing data first.
func ValidateAndUpdateSchema(db *sql.DB, dbPath string, log logger.Logger) error {
	return newMigrator(db, dbPath, log).run()
}

func (m *migrator) run() error {
	version, err := GetSchemaVersion(m.db)
	if err != nil {
		return errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	if version == SchemaVersion {
		m.log.Debug().Int("version", version).Msg("Schema version is current")
		return nil
	}

	m.log.Debug().
		Int("found", version).
		Int("want", SchemaVersion).
		Msg("Schema needs to be created")

	if version != 0 {
		if _, err := m.backup(version); err != nil {
			return errors.New().Wrap(ErrSchemaMigrationFailed, err)
		}
		m.prune()
	}

	return m.recreate()
}

func (m *migrator) backup(version int) (string, error) {
	if err := os.MkdirAll(m.backupDir, defaultDirPerm); err != nil {
		return "", stageError(ErrSchemaMigrationFailed, "create_backup_dir", m.backupDir, err)
	}

	name := fmt.Sprintf("metrics_v%d_%s.db", version, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(m.backupDir, name)

	// VACUUM INTO requires no active transaction
	quoted := strings.ReplaceAll(path, "'", "''")
	if _, err := m.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", stageError(ErrSchemaMigrationFailed, "create_backup", path, err)
	}

	m.log.Info().
		Str("path", path).
		Int("version", version).
		Msg("Database backup created")

	return path, nil
}

// prune removes the oldest backups beyond maxBackups. Failures only log.
func (m *migrator) prune() {
	backups, err := filepath.Glob(filepath.Join(m.backupDir, "metrics_v*_*.db"))
	if err != nil || len(backups) <= maxBackups {
		return
	}

	sort.Slice(backups, func(i, j int) bool {
		return modTime(backups[i]).Before(modTime(backups[j]))
	})

	for _, path := range backups[:len(backups)-maxBackups] {
		if err := os.Remove(path); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("Failed to remove old backup")
			continue
		}
		m.log.Debug().Str("path", path).Msg("Removed old backup")
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// recreate drops every known table and creates the current schema in one
// transaction.
func (m *migrator) recreate() error {
	tx, err := m.db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			m.log.Debug().Err(err).Msg("Failed to roll back schema change")
		}
	}()

	// Children before parents
	for _, table := range []string{"core_usage", "samples", "schema_versions"} {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return stageError(ErrSchemaMigrationFailed, "drop_table", table, err)
		}
	}

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return stageError(ErrSchemaInitFailed, "create_tables", "", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`, SchemaVersion,
	); err != nil {
		return stageError(ErrSchemaInitFailed, "record_version", "schema_versions", err)
	}

	if err := tx.Commit(); err != nil {
		return stageError(ErrSchemaInitFailed, "commit", "", err)
	}
	committed = true

	m.log.Info().Int("version", SchemaVersion).Msg("Schema initialized")
	return nil
}
