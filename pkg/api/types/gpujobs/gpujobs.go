package gpujobs

import (
	"encoding/json"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

// Spec is the request body of POST /api/v1/gpu-jobs.
type Spec struct {
	GpuPoolRequested string          `json:"gpu_pool_requested,omitempty"`
	IsolationLevel   string          `json:"isolation_level,omitempty"`
	Priority         int             `json:"priority,omitempty"`
	TargetUrl        string          `json:"target_url"`
	RequestJson      json.RawMessage `json:"request_json"`
}

// Detail is the job representation returned by the API.
type Detail struct {
	Id string `json:"id"`

	Status           string          `json:"status"`
	GpuPoolRequested string          `json:"gpu_pool_requested"`
	GpuPoolAssigned  string          `json:"gpu_pool_assigned,omitempty"`
	IsolationLevel   string          `json:"isolation_level"`
	Priority         int             `json:"priority"`
	TargetUrl        string          `json:"target_url"`
	RequestJson      json.RawMessage `json:"request_json,omitempty"`
	ResponseJson     json.RawMessage `json:"response_json,omitempty"`
	Error            string          `json:"error,omitempty"`
	DispatchAttempts int             `json:"dispatch_attempts"`

	RequestedAt  time.Time  `json:"requested_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func ComposeDetail(job kdb.GpuJob) Detail {
	return Detail{
		Id:               job.Id,
		Status:           string(job.Status),
		GpuPoolRequested: string(job.PoolRequested),
		GpuPoolAssigned:  string(job.PoolAssigned),
		IsolationLevel:   string(job.Isolation),
		Priority:         job.Priority,
		TargetUrl:        job.TargetUrl,
		RequestJson:      job.RequestJson,
		ResponseJson:     job.ResponseJson,
		Error:            job.Error,
		DispatchAttempts: job.DispatchAttempts,
		RequestedAt:      job.RequestedAt,
		DispatchedAt:     job.DispatchedAt,
		StartedAt:        job.StartedAt,
		FinishedAt:       job.FinishedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}
