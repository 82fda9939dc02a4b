package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// repository buffers samples and writes them in batches, either when the
// buffer reaches BatchSize or when BatchTimeout elapses.
type repository struct {
	db     *sql.DB
	log    logger.Logger
	cfg    Config
	mu     sync.Mutex
	buffer []*Sample

	stop        chan struct{}
	flusherDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

func NewRepository(cfg Config, log logger.Logger) (MetricsRepository, error) {
	if cfg.DBPath == "" {
		return nil, errors.New().New(ErrInvalidDBPath)
	}
	cfg.BatchSize = max(cfg.BatchSize, 1)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, stageError(ErrStorageInit, "create_directory", cfg.DBPath, err)
	}

	// WAL lets readers query while samples are written
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_auto_vacuum=2&_foreign_keys=1")
	if err != nil {
		return nil, stageError(ErrStorageInit, "open_database", cfg.DBPath, err)
	}

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errors.New().Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Metrics repository initialized")

	r := &repository{
		db:          db,
		log:         log,
		cfg:         cfg,
		buffer:      make([]*Sample, 0, cfg.BatchSize),
		stop:        make(chan struct{}),
		flusherDone: make(chan struct{}),
	}

	// Only batches of more than one sample can sit in the buffer
	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		go r.flusher(time.NewTicker(cfg.BatchTimeout))
	} else {
		close(r.flusherDone)
	}

	return r, nil
}

func (r *repository) Record(sample *Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, sample)
	if len(r.buffer) < r.cfg.BatchSize {
		return nil
	}
	return r.flush()
}

// Close flushes what is buffered and closes the database. Calling it
// again returns the first result.
func (r *repository) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.flusherDone

		r.mu.Lock()
		if err := r.flush(); err != nil {
			r.log.Warn().Err(err).Int("records", len(r.buffer)).Msg("Dropping unflushed samples")
		}
		r.mu.Unlock()

		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			r.db.Close()
			r.closeErr = stageError(ErrStorageClose, "checkpoint_wal", r.cfg.DBPath, err)
			return
		}
		if err := r.db.Close(); err != nil {
			r.closeErr = stageError(ErrStorageClose, "close_database", r.cfg.DBPath, err)
			return
		}

		r.log.Info().Msg("Metrics repository closed gracefully")
	})
	return r.closeErr
}

func (r *repository) flusher(ticker *time.Ticker) {
	defer close(r.flusherDone)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			// A failed batch stays buffered for the next tick
			_ = r.flush()
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

// flush writes the buffer in one transaction and empties it on success.
// Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to begin transaction")
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	if err := r.writeBatch(tx); err != nil {
		r.log.Error().Err(err).Int("records", len(r.buffer)).Msg("Failed to write samples")
		if rbErr := tx.Rollback(); rbErr != nil {
			r.log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		r.log.Error().Err(err).Msg("Failed to commit transaction")
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	r.log.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	clear(r.buffer)
	r.buffer = r.buffer[:0]

	return nil
}

func (r *repository) writeBatch(tx *sql.Tx) error {
	samples, err := tx.Prepare(GetInsertSampleSQL())
	if err != nil {
		return err
	}
	defer samples.Close()

	cores, err := tx.Prepare(GetInsertCoreUsageSQL())
	if err != nil {
		return err
	}
	defer cores.Close()

	for _, sample := range r.buffer {
		result, err := samples.Exec(
			sample.SessionID,
			sample.Timestamp.UnixMilli(),
			sample.Duration.Milliseconds(),
			sample.Source,
			nullableRatio(sample.Idle),
			nullableRatio(sample.NonIdle),
			clampInt64(sample.Ticks),
			clampInt64(sample.ContextSwitches),
			clampInt64(sample.Processes),
			sample.ProcsRunning,
			sample.ProcsBlocked,
		)
		if err != nil {
			return err
		}

		id, err := result.LastInsertId()
		if err != nil {
			return err
		}

		for _, core := range sample.Cores {
			if _, err := cores.Exec(id, core.Index, nullableRatio(core.Idle), nullableRatio(core.NonIdle)); err != nil {
				return stageError(ErrTransactionFailed, "insert_core_usage", sample.Source, err)
			}
		}
	}

	return nil
}
