package metrics

import (
	"context"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"github.com/google/uuid"
)

// service tags samples with the ID of the current run before storing them.
type service struct {
	repo      MetricsRepository
	sessionID string
}

// noopCollector is used when recording is disabled.
type noopCollector struct{}

// NewService returns a collector writing to the configured database, or
// a collector that discards samples when recording is disabled.
func NewService(cfg Config, log logger.Logger) (MetricsCollector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metrics collection disabled, using no-op collector")
		return noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	s := &service{
		repo:      repo,
		sessionID: uuid.NewString(),
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Str("session_id", s.sessionID).
		Msg("Metrics service initialized")

	return s, nil
}

func (s *service) Record(ctx context.Context, sample *Sample) error {
	errFactory := errors.New()

	if sample == nil {
		return errFactory.New(ErrInvalidMetrics)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	sample.SessionID = s.sessionID
	if err := s.repo.Record(sample); err != nil {
		return errFactory.Wrap(ErrMetricsCollection, err)
	}
	return nil
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}
	return nil
}

func (noopCollector) Record(context.Context, *Sample) error {
	return nil
}

func (noopCollector) Close() error {
	return nil
}
