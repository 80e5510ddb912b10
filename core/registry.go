package core

import (
	"time"

	"github.com/google/uuid"
)

// RegistryEntry is the single canonical row for a job name. It is created
// lazily the first time any instance sees the job run and is never deleted.
type RegistryEntry struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	OwnerClass         string     `json:"owner_class"`
	OwnerMethod        string     `json:"owner_method"`
	ScheduleExpression string     `json:"schedule_expression"`
	LockName           string     `json:"lock_name,omitempty"`
	Kind               JobKind    `json:"kind"`
	DisplayName        string     `json:"display_name"`
	Enabled            bool       `json:"enabled"`
	LastExecutionAt    *time.Time `json:"last_execution_at,omitempty"`
	LastDurationMs     *int64     `json:"last_duration_ms,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func NewRegistryEntry(meta JobMetadata, now time.Time) *RegistryEntry {
	kind := meta.Kind
	if kind == "" {
		kind = JobKindLocal
	}
	return &RegistryEntry{
		ID:                 uuid.New(),
		Name:               meta.Name,
		OwnerClass:         meta.OwnerClass,
		OwnerMethod:        meta.OwnerMethod,
		ScheduleExpression: meta.ScheduleExpression,
		LockName:           meta.LockName,
		Kind:               kind,
		DisplayName:        meta.Name,
		Enabled:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// RecordExecution stores the outcome of the latest run. Overlapping runs are last-writer-wins.
func (e *RegistryEntry) RecordExecution(at time.Time, durationMs int64) {
	e.LastExecutionAt = &at
	e.LastDurationMs = &durationMs
	e.UpdatedAt = at
}

func (e *RegistryEntry) Clone() *RegistryEntry {
	c := *e
	if e.LastExecutionAt != nil {
		at := *e.LastExecutionAt
		c.LastExecutionAt = &at
	}
	if e.LastDurationMs != nil {
		d := *e.LastDurationMs
		c.LastDurationMs = &d
	}
	return &c
}
