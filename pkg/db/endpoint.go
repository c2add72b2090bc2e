package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EndpointStatus string

const (
	// the intent exists; the serving resource is not (yet) healthy.
	Creating EndpointStatus = "CREATING"

	// the serving resource reports ready and a URL is assigned.
	Ready EndpointStatus = "READY"

	// reconcile failed; Error holds the detail.
	FailedEndpoint EndpointStatus = "FAILED"

	// deletion requested; the deploy worker tears the resource down.
	Deleting EndpointStatus = "DELETING"

	// soft-deleted. the row is renamed so the name can be reused.
	Deleted EndpointStatus = "DELETED"
)

func AsEndpointStatus(status string) (EndpointStatus, error) {
	switch status {
	case string(Creating):
		return Creating, nil
	case string(Ready):
		return Ready, nil
	case string(FailedEndpoint):
		return FailedEndpoint, nil
	case string(Deleting):
		return Deleting, nil
	case string(Deleted):
		return Deleted, nil
	default:
		return "", fmt.Errorf("'%s' is not EndpointStatus", status)
	}
}

// Traffic is the rollout fraction of an endpoint.
type Traffic struct {
	// 0..100. >0 requires the serverless deployment mode.
	CanaryTrafficPercent *int `json:"canaryTrafficPercent,omitempty"`
}

type Autoscaling struct {
	MinReplicas *int `json:"minReplicas,omitempty"`
	MaxReplicas *int `json:"maxReplicas,omitempty"`
}

// Endpoint is a serving deployment intent.
type Endpoint struct {
	Id        string
	TenantId  string
	ProjectId string

	// unique per (tenant, project) among live rows.
	Name string

	Status EndpointStatus
	Url    string
	Error  string

	Runtime        string
	ModelVersionId string
	Traffic        Traffic
	Autoscaling    Autoscaling
	RuntimeConfig  json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EndpointSpec is what the deployments API persists on creation.
type EndpointSpec struct {
	TenantId  string
	ProjectId string
	Name      string

	Runtime        string
	ModelVersionId string
	Traffic        Traffic
	Autoscaling    Autoscaling
	RuntimeConfig  json.RawMessage
}

// EndpointUpdate carries PATCH-able fields. nil = keep current value.
type EndpointUpdate struct {
	Runtime        *string
	ModelVersionId *string
	Traffic        *Traffic
	Autoscaling    *Autoscaling
	RuntimeConfig  json.RawMessage
}

// ServingFieldsChanged reports whether applying u would change how the
// endpoint is served (and therefore requires a re-reconcile).
func (u EndpointUpdate) ServingFieldsChanged() bool {
	return u.Runtime != nil || u.ModelVersionId != nil ||
		u.Traffic != nil || u.Autoscaling != nil || u.RuntimeConfig != nil
}

// EndpointBundle is an endpoint joined with the artifact location of its
// model version. The model registry owns model_versions; this plane only
// reads the artifact URI to render the serving spec.
type EndpointBundle struct {
	Endpoint
	ArtifactUri string
}

type EndpointInterface interface {
	// Register persists a new intent in CREATING.
	//
	// Returns ErrNameConflict-compatible error when the name is taken.
	Register(ctx context.Context, spec EndpointSpec) (Endpoint, error)

	Get(ctx context.Context, tenantId, projectId, endpointId string) (Endpoint, error)

	Find(ctx context.Context, tenantId, projectId string, limit int) ([]Endpoint, error)

	// Update applies u and, when reconcile is true, resets status to CREATING.
	Update(ctx context.Context, tenantId, projectId, endpointId string, u EndpointUpdate, reconcile bool) (Endpoint, error)

	// MarkDeleting transitions to DELETING ahead of the delete event.
	MarkDeleting(ctx context.Context, tenantId, projectId, endpointId string) (Endpoint, error)

	// GetBundle loads the endpoint with its resolved artifact URI,
	// unscoped by tenancy (workers act on ids carried by events).
	GetBundle(ctx context.Context, endpointId string) (EndpointBundle, error)

	// SetStatus records a reconcile outcome. url overwrites only when
	// non-empty; errorString always replaces the stored error (empty clears it).
	SetStatus(ctx context.Context, endpointId string, status EndpointStatus, url string, errorString string) error

	// SoftDelete marks the row DELETED and renames it so the uniqueness
	// constraint on name is released.
	SoftDelete(ctx context.Context, endpointId string) error
}
