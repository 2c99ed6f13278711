// Package jobs runs the engine's background maintenance: the periodic sweep
// of lapsed timed overrides and full role-cache rebuilds.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/arcadia-platform/arcadia/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpirySweep batches principal-cache refreshes for users holding
	// overrides that expired since the last run.
	TaskExpirySweep = "authz:expiry_sweep"
	// TaskRoleCacheRebuild recomputes cached_permissions for every role.
	TaskRoleCacheRebuild = "authz:role_cache_rebuild"
)

// Maintainer is the slice of the authorization service the worker invokes.
type Maintainer interface {
	SweepExpiredOverrides(ctx context.Context, batchSize int) (int, error)
	RefreshAllRolePermissions(ctx context.Context) (int, error)
}

// ExpirySweepPayload configures one sweep run.
type ExpirySweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewExpirySweepTask constructs the sweep task.
func NewExpirySweepTask(payload ExpirySweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, data), nil
}

// NewRoleCacheRebuildTask constructs the rebuild task.
func NewRoleCacheRebuildTask() *asynq.Task {
	return asynq.NewTask(TaskRoleCacheRebuild, nil)
}

// NewExpirySweepHandler processes TaskExpirySweep tasks.
func NewExpirySweepHandler(svc Maintainer, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("expiry_sweep")
		var payload ExpirySweepPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
		}
		refreshed, err := svc.SweepExpiredOverrides(ctx, payload.BatchSize)
		if err != nil {
			return tracker.End(err)
		}
		logger.Info("expiry sweep finished", slog.Int("users_refreshed", refreshed))
		return tracker.End(nil)
	}
}

// NewRoleCacheRebuildHandler processes TaskRoleCacheRebuild tasks.
func NewRoleCacheRebuildHandler(svc Maintainer, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("role_cache_rebuild")
		refreshed, err := svc.RefreshAllRolePermissions(ctx)
		if err != nil {
			return tracker.End(err)
		}
		logger.Info("role cache rebuild finished", slog.Int("roles_refreshed", refreshed))
		return tracker.End(nil)
	}
}
