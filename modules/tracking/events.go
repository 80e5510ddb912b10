package tracking

import (
	"time"

	"github.com/Deepreo/jobtrack/core"
)

const (
	EventExecutionStarted  = "jobtrack.execution.started"
	EventExecutionFinished = "jobtrack.execution.finished"
)

type ExecutionStarted struct {
	ExecutionID     string    `json:"execution_id"`
	RegistryID      string    `json:"registry_id"`
	Name            string    `json:"name"`
	ServiceIdentity string    `json:"service_identity"`
	HostIdentity    string    `json:"host_identity"`
	StartTime       time.Time `json:"start_time"`
}

func (e ExecutionStarted) EventID() string       { return e.ExecutionID + ":started" }
func (e ExecutionStarted) EventName() string     { return EventExecutionStarted }
func (e ExecutionStarted) OccurredOn() time.Time { return e.StartTime }

type ExecutionFinished struct {
	ExecutionID    string               `json:"execution_id"`
	RegistryID     string               `json:"registry_id"`
	Name           string               `json:"name"`
	Status         core.ExecutionStatus `json:"status"`
	EndTime        time.Time            `json:"end_time"`
	DurationMs     int64                `json:"duration_ms"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	ItemsProcessed *int64               `json:"items_processed,omitempty"`
}

func (e ExecutionFinished) EventID() string       { return e.ExecutionID + ":finished" }
func (e ExecutionFinished) EventName() string     { return EventExecutionFinished }
func (e ExecutionFinished) OccurredOn() time.Time { return e.EndTime }

func startedEvent(c *core.ExecutionContext) ExecutionStarted {
	return ExecutionStarted{
		ExecutionID:     c.ID.String(),
		RegistryID:      c.RegistryID.String(),
		Name:            c.Name,
		ServiceIdentity: c.ServiceIdentity,
		HostIdentity:    c.HostIdentity,
		StartTime:       c.StartTime,
	}
}

func finishedEvent(c *core.ExecutionContext, r core.ExecutionResult) ExecutionFinished {
	e := ExecutionFinished{
		ExecutionID:    c.ID.String(),
		RegistryID:     c.RegistryID.String(),
		Name:           c.Name,
		Status:         r.Status,
		EndTime:        r.EndTime,
		DurationMs:     r.DurationMs,
		ItemsProcessed: r.ItemsProcessed,
	}
	if r.ErrorMessage != nil {
		e.ErrorMessage = *r.ErrorMessage
	}
	return e
}
