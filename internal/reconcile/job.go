package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/haven-realty/haven-authz/jobs"
)

// ExpireProfileGrantsJob processes profile sweep tasks.
type ExpireProfileGrantsJob struct {
	sweeper *ProfileSweeper
	logger  *slog.Logger
}

// NewExpireProfileGrantsJob constructs a job handler.
func NewExpireProfileGrantsJob(sweeper *ProfileSweeper, logger *slog.Logger) *ExpireProfileGrantsJob {
	return &ExpireProfileGrantsJob{sweeper: sweeper, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ExpireProfileGrantsJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.ExpireProfileGrantsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	report, err := j.sweeper.Run(ctx, payload.BatchSize)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("expire profile grants", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil && report.Errors > 0 {
		j.logger.Warn("expire profile grants finished with errors",
			slog.Int("errors", report.Errors),
			slog.Int("updated", report.Updated))
	}
	return nil
}

// ExpireResourceGrantsJob processes grant sweep tasks.
type ExpireResourceGrantsJob struct {
	sweeper *GrantSweeper
	logger  *slog.Logger
}

// NewExpireResourceGrantsJob constructs a job handler.
func NewExpireResourceGrantsJob(sweeper *GrantSweeper, logger *slog.Logger) *ExpireResourceGrantsJob {
	return &ExpireResourceGrantsJob{sweeper: sweeper, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *ExpireResourceGrantsJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.ExpireResourceGrantsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	report, err := j.sweeper.Run(ctx, payload.BatchSize)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("expire resource grants", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil && report.Errors > 0 {
		j.logger.Warn("expire resource grants finished with errors",
			slog.Int("errors", report.Errors),
			slog.Int("updated", report.Updated))
	}
	return nil
}
