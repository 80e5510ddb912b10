package tracking

import (
	"context"
	"fmt"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type ListJobsRequest struct{}

func (r *ListJobsRequest) Validate() error { return nil }

type ListJobsHandler struct {
	strategy core.TrackingStrategy
}

func (h *ListJobsHandler) Handle(ctx context.Context, req *ListJobsRequest) ([]*core.RegistryEntry, error) {
	entries, err := h.strategy.ListEntries(ctx)
	if err != nil {
		return nil, errors.InfraError(err).WithCode(errors.CodeStorageRead)
	}
	return entries, nil
}

type ListExecutionsRequest struct {
	Name  string `params:"name" query:"-"`
	Limit int    `query:"limit"`
}

func (r *ListExecutionsRequest) Validate() error {
	if r.Limit < 0 || r.Limit > MaxListLimit {
		return fmt.Errorf("limit must be between 0 and %d", MaxListLimit)
	}
	return nil
}

type ListExecutionsHandler struct {
	strategy core.TrackingStrategy
}

func (h *ListExecutionsHandler) Handle(ctx context.Context, req *ListExecutionsRequest) ([]*core.ExecutionLog, error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	logs, err := h.strategy.ListLogs(ctx, req.Name, limit)
	if err != nil {
		return nil, errors.InfraError(err).WithCode(errors.CodeStorageRead)
	}
	return logs, nil
}

type SweepRequest struct{}

func (r *SweepRequest) Validate() error { return nil }

type SweepResponse struct {
	TimedOut int `json:"timed_out"`
}

type SweepHandler struct {
	detector *StuckDetector
}

func (h *SweepHandler) Handle(ctx context.Context, req *SweepRequest) (*SweepResponse, error) {
	n, err := h.detector.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return &SweepResponse{TimedOut: n}, nil
}

// RegisterEndpoints exposes the registry, the execution logs and a manual
// stuck sweep on server.
func (t *Tracker) RegisterEndpoints(server core.Server) {
	core.RegisterEndpoint[*ListJobsRequest, []*core.RegistryEntry](server, "GET", "/jobs", &ListJobsHandler{strategy: t.strategy})
	core.RegisterEndpoint[*ListExecutionsRequest, []*core.ExecutionLog](server, "GET", "/executions", &ListExecutionsHandler{strategy: t.strategy})
	core.RegisterEndpoint[*ListExecutionsRequest, []*core.ExecutionLog](server, "GET", "/jobs/:name/executions", &ListExecutionsHandler{strategy: t.strategy})
	core.RegisterEndpoint[*SweepRequest, *SweepResponse](server, "POST", "/maintenance/stuck-sweep", &SweepHandler{detector: t.detector})
}
