// Package cleanup enforces data retention: finished saga records are
// pruned after a configurable age so the audit tables stay bounded.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/saga"
)

// Service periodically prunes COMPLETED and FAILED sagas past the
// retention age. Deletion is idempotent and safe to run from multiple
// worker replicas.
type Service struct {
	cfg   *config.RetentionConfig
	db    *sql.DB
	sagas *saga.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper over the saga tables.
func NewService(cfg *config.RetentionConfig, db *sql.DB) *Service {
	return &Service{
		cfg:   cfg,
		db:    db,
		sagas: saga.NewStore(),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention sweeper started",
		"saga_age", s.cfg.SagaAge,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.SagaAge)
	count, err := s.sagas.DeleteFinishedBefore(ctx, s.db, cutoff)
	if err != nil {
		slog.Error("Retention: saga sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned finished sagas", "count", count, "cutoff", cutoff)
	}
}
