package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grigta/registrar/pkg/cache"
	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/models"
)

const (
	runKeyPrefix  = "registrar:run:"
	activeRunsKey = "registrar:runs:active"
	accountSeqKey = "registrar:account:seq"
	DefaultRunTTL = 24 * time.Hour
)

var ErrRunNotFound = errors.New("run not found")

// StatusRepository keeps the live view of registration runs in Redis so any
// replica can answer status queries.
type StatusRepository interface {
	SaveStatus(ctx context.Context, status *models.RunStatus) error
	GetStatus(ctx context.Context, runID string) (*models.RunStatus, error)
	ActiveRuns(ctx context.Context) ([]string, error)
	NextAccountID(ctx context.Context) (int64, error)
}

type statusRepository struct {
	cache  *cache.RedisCache
	ttl    time.Duration
	logger logger.Logger
}

func NewStatusRepository(c *cache.RedisCache, ttl time.Duration, log logger.Logger) StatusRepository {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &statusRepository{
		cache:  c,
		ttl:    ttl,
		logger: log,
	}
}

func runKey(runID string) string {
	return runKeyPrefix + runID
}

// SaveStatus stores the run and keeps the active set in step with it:
// a run leaves the set once its state is terminal.
func (r *statusRepository) SaveStatus(ctx context.Context, status *models.RunStatus) error {
	if status.RunID == "" {
		return errors.New("run id is required")
	}
	status.UpdatedAt = time.Now()

	if err := r.cache.Set(ctx, runKey(status.RunID), status, r.ttl); err != nil {
		return fmt.Errorf("failed to save run status: %w", err)
	}

	if status.State.IsTerminal() {
		if err := r.cache.SRem(ctx, activeRunsKey, status.RunID); err != nil {
			return err
		}
		return nil
	}
	return r.cache.SAdd(ctx, activeRunsKey, status.RunID)
}

func (r *statusRepository) GetStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	var status models.RunStatus
	if err := r.cache.GetJSON(ctx, runKey(runID), &status); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}
	return &status, nil
}

// ActiveRuns lists runs that have not reached a terminal state. Entries
// whose status key already expired are pruned.
func (r *statusRepository) ActiveRuns(ctx context.Context) ([]string, error) {
	ids, err := r.cache.SMembers(ctx, activeRunsKey)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := r.cache.Get(ctx, runKey(id)); errors.Is(err, cache.ErrCacheMiss) {
			if err := r.cache.SRem(ctx, activeRunsKey, id); err != nil {
				r.logger.Warn("Failed to prune expired run", logger.F("run_id", id), logger.Err(err))
			}
			continue
		}
		active = append(active, id)
	}
	return active, nil
}

func (r *statusRepository) NextAccountID(ctx context.Context) (int64, error) {
	return r.cache.Increment(ctx, accountSeqKey)
}
