package verify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/haven-realty/haven-authz/jobs"
)

// VerifyRolesJob processes role verification tasks.
type VerifyRolesJob struct {
	service *Service
	logger  *slog.Logger
}

// NewVerifyRolesJob constructs a job handler.
func NewVerifyRolesJob(service *Service, logger *slog.Logger) *VerifyRolesJob {
	return &VerifyRolesJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *VerifyRolesJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.VerifyRolesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	report, err := j.service.VerifyRoleConsistency(ctx, VerifyOptions{
		Limit:        payload.Limit,
		AutoFix:      payload.AutoFix,
		FixDirection: FixDirection(payload.FixDirection),
	})
	if err != nil {
		if j.logger != nil {
			j.logger.Error("verify roles", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("verify roles complete",
			slog.Int("total", report.Total),
			slog.Int("inconsistent", report.Inconsistent),
			slog.Int("fixed", report.Fixed),
			slog.Int("errors", report.Errors))
	}
	return nil
}
