package metrics

import (
	"database/sql"

	"codeberg.org/mutker/loadctl/internal/errors"
	"codeberg.org/mutker/loadctl/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       id          TEXT PRIMARY KEY,
	       mode        TEXT NOT NULL,
	       address     TEXT NOT NULL,
	       identity    TEXT NOT NULL,
	       config      TEXT NOT NULL,
	       started_at  TEXT NOT NULL,
	       finished_at TEXT,
	       status      TEXT NOT NULL,
	       cycles      INTEGER NOT NULL DEFAULT 0,
	       samples     INTEGER NOT NULL DEFAULT 0,
	       ocv         REAL,
	       error       TEXT NOT NULL DEFAULT ''
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	       seq          INTEGER NOT NULL,
	       timestamp    TEXT NOT NULL,
	       cycle        INTEGER NOT NULL CHECK (cycle >= 1),
	       phase        TEXT NOT NULL CHECK (phase IN ('LOAD_ON', 'REST')),
	       elapsed_ns   INTEGER NOT NULL,
	       run_elapsed_ns INTEGER NOT NULL,
	       voltage      REAL NOT NULL,
	       current      REAL NOT NULL,
	       capacity     REAL NOT NULL,
	       energy       REAL NOT NULL,
	       PRIMARY KEY (run_id, seq)
	   );`

	insertRunSQL = `
    INSERT INTO runs (
        id, mode, address, identity, config, started_at, status
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	finishRunSQL = `
    UPDATE runs
    SET finished_at = ?, status = ?, cycles = ?, samples = ?, ocv = ?, error = ?
    WHERE id = ?`

	insertSampleSQL = `
    INSERT INTO samples (
        run_id, seq, timestamp,
        cycle, phase, elapsed_ns, run_elapsed_ns,
        voltage, current, capacity, energy
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRunsSQL = `
    SELECT id, mode, address, identity, config, started_at,
           COALESCE(finished_at, ''), status, cycles, samples, ocv, error
    FROM runs
    ORDER BY started_at DESC, id DESC
    LIMIT ?`

	selectSamplesSQL = `
    SELECT timestamp, cycle, phase, elapsed_ns, run_elapsed_ns,
           voltage, current, capacity, energy
    FROM samples
    WHERE run_id = ?
    ORDER BY seq`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err).WithData("create_tables")
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err).WithData("record_version")
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty database
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err).WithData("get_version")
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().Wrap(ErrSchemaValidationFailed, err).WithData(tableName)
	}
	return exists, nil
}
