// Package jobs defines background task types and the Asynq worker that
// processes them.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireProfileGrants sweeps expired temporary permissions off
	// identity provider profiles.
	TaskExpireProfileGrants = "authz:expire_profile_grants"
	// TaskExpireResourceGrants deactivates expired resource-scoped grants.
	TaskExpireResourceGrants = "authz:expire_resource_grants"
	// TaskVerifyRoles cross-checks roles between the identity provider and
	// the database principal mirror.
	TaskVerifyRoles = "authz:verify_roles"
)

// ExpireProfileGrantsPayload configures one profile sweep run.
type ExpireProfileGrantsPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewExpireProfileGrantsTask constructs an Asynq task.
func NewExpireProfileGrantsTask(payload ExpireProfileGrantsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireProfileGrants, data), nil
}

// ExpireResourceGrantsPayload configures one grant sweep run.
type ExpireResourceGrantsPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewExpireResourceGrantsTask constructs an Asynq task.
func NewExpireResourceGrantsTask(payload ExpireResourceGrantsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireResourceGrants, data), nil
}

// VerifyRolesPayload configures one role verification run.
type VerifyRolesPayload struct {
	Limit        int    `json:"limit"`
	AutoFix      bool   `json:"auto_fix"`
	FixDirection string `json:"fix_direction"`
}

// NewVerifyRolesTask constructs an Asynq task.
func NewVerifyRolesTask(payload VerifyRolesPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskVerifyRoles, data), nil
}
