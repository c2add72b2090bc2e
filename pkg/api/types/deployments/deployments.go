package deployments

import (
	"encoding/json"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

// Spec is the request body of POST /api/v1/deployments.
type Spec struct {
	Name           string           `json:"name"`
	Runtime        string           `json:"runtime,omitempty"`
	ModelVersionId string           `json:"model_version_id,omitempty"`
	Traffic        *kdb.Traffic     `json:"traffic,omitempty"`
	Autoscaling    *kdb.Autoscaling `json:"autoscaling,omitempty"`
	RuntimeConfig  json.RawMessage  `json:"runtime_config,omitempty"`
}

// Patch is the request body of PATCH /api/v1/deployments/{id}.
// Absent fields keep their current values.
type Patch struct {
	Runtime        *string          `json:"runtime,omitempty"`
	ModelVersionId *string          `json:"model_version_id,omitempty"`
	Traffic        *kdb.Traffic     `json:"traffic,omitempty"`
	Autoscaling    *kdb.Autoscaling `json:"autoscaling,omitempty"`
	RuntimeConfig  json.RawMessage  `json:"runtime_config,omitempty"`
}

type Detail struct {
	Id   string `json:"id"`
	Name string `json:"name"`

	Status string `json:"status"`
	Url    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`

	Runtime        string          `json:"runtime"`
	ModelVersionId string          `json:"model_version_id,omitempty"`
	Traffic        kdb.Traffic     `json:"traffic"`
	Autoscaling    kdb.Autoscaling `json:"autoscaling"`
	RuntimeConfig  json.RawMessage `json:"runtime_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func ComposeDetail(ep kdb.Endpoint) Detail {
	return Detail{
		Id:             ep.Id,
		Name:           ep.Name,
		Status:         string(ep.Status),
		Url:            ep.Url,
		Error:          ep.Error,
		Runtime:        ep.Runtime,
		ModelVersionId: ep.ModelVersionId,
		Traffic:        ep.Traffic,
		Autoscaling:    ep.Autoscaling,
		RuntimeConfig:  ep.RuntimeConfig,
		CreatedAt:      ep.CreatedAt,
		UpdatedAt:      ep.UpdatedAt,
	}
}
