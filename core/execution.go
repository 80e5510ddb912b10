package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
	StatusTimeout ExecutionStatus = "TIMEOUT"
)

func (s ExecutionStatus) String() string {
	return string(s)
}

func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

var AllStatuses = []ExecutionStatus{
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusTimeout,
}

type Transition struct {
	From ExecutionStatus
	To   ExecutionStatus
}

// ValidTransitions is the whole execution state machine. Terminal states have no way out.
var ValidTransitions = []Transition{
	{From: StatusRunning, To: StatusSuccess},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusTimeout},
}

func CanTransition(from, to ExecutionStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown execution status %q", s)
}

// ExecutionContext is the in-process record of one invocation attempt.
// Everything except the status is fixed at creation.
type ExecutionContext struct {
	ID              uuid.UUID
	RegistryID      uuid.UUID
	Name            string
	LockName        string
	StartTime       time.Time
	ServiceIdentity string
	HostIdentity    string

	mu     sync.Mutex
	status ExecutionStatus
}

func NewExecutionContext(entry *RegistryEntry, serviceIdentity, hostIdentity string, start time.Time) *ExecutionContext {
	return &ExecutionContext{
		ID:              uuid.New(),
		RegistryID:      entry.ID,
		Name:            entry.Name,
		LockName:        entry.LockName,
		StartTime:       start,
		ServiceIdentity: serviceIdentity,
		HostIdentity:    hostIdentity,
		status:          StatusRunning,
	}
}

func (c *ExecutionContext) Status() ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TryTerminate moves the context to a terminal status. Only the first call wins;
// later calls report the status that is already in place.
func (c *ExecutionContext) TryTerminate(to ExecutionStatus) (ExecutionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.status, to) {
		return c.status, false
	}
	c.status = to
	return to, true
}

// ExecutionResult is the terminal outcome of an ExecutionContext.
type ExecutionResult struct {
	Status         ExecutionStatus `json:"status"`
	EndTime        time.Time       `json:"end_time"`
	DurationMs     int64           `json:"duration_ms"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ItemsProcessed *int64          `json:"items_processed,omitempty"`
}

func Succeeded(start, end time.Time) ExecutionResult {
	return ExecutionResult{
		Status:     StatusSuccess,
		EndTime:    end,
		DurationMs: durationMs(start, end),
	}
}

func Failed(start, end time.Time, err error) ExecutionResult {
	res := ExecutionResult{
		Status:     StatusFailed,
		EndTime:    end,
		DurationMs: durationMs(start, end),
	}
	if err != nil {
		msg := err.Error()
		res.ErrorMessage = &msg
	}
	return res
}

func TimedOut(start, end time.Time, message string) ExecutionResult {
	return ExecutionResult{
		Status:       StatusTimeout,
		EndTime:      end,
		DurationMs:   durationMs(start, end),
		ErrorMessage: &message,
	}
}

func (r ExecutionResult) WithItemsProcessed(n int64) ExecutionResult {
	r.ItemsProcessed = &n
	return r
}

func durationMs(start, end time.Time) int64 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// ExecutionLog is the durable projection of an ExecutionContext and its result.
type ExecutionLog struct {
	ID              uuid.UUID       `json:"id"`
	RegistryID      uuid.UUID       `json:"registry_id"`
	Name            string          `json:"name"`
	LockName        string          `json:"lock_name,omitempty"`
	Status          ExecutionStatus `json:"status"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ItemsProcessed  *int64          `json:"items_processed,omitempty"`
	ServiceIdentity string          `json:"service_identity"`
	HostIdentity    string          `json:"host_identity"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewExecutionLog maps a context onto a RUNNING log record sharing its id.
func NewExecutionLog(c *ExecutionContext, now time.Time) *ExecutionLog {
	return &ExecutionLog{
		ID:              c.ID,
		RegistryID:      c.RegistryID,
		Name:            c.Name,
		LockName:        c.LockName,
		Status:          StatusRunning,
		StartTime:       c.StartTime,
		ServiceIdentity: c.ServiceIdentity,
		HostIdentity:    c.HostIdentity,
		CreatedAt:       now,
	}
}

// Apply copies a terminal result onto the log. It refuses to touch a log
// that already reached a terminal status.
func (l *ExecutionLog) Apply(result ExecutionResult) error {
	if !CanTransition(l.Status, result.Status) {
		return fmt.Errorf("log %s: %s -> %s not allowed", l.ID, l.Status, result.Status)
	}
	end := result.EndTime
	duration := result.DurationMs
	l.Status = result.Status
	l.EndTime = &end
	l.DurationMs = &duration
	l.ErrorMessage = result.ErrorMessage
	l.ItemsProcessed = result.ItemsProcessed
	return nil
}

func (l *ExecutionLog) Clone() *ExecutionLog {
	c := *l
	return &c
}
