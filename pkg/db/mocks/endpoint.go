package mocks

import (
	"context"
	"errors"

	kdb "github.com/opst/gpuplane/pkg/db"
)

type EndpointInterface struct {
	Impl struct {
		Register     func(ctx context.Context, spec kdb.EndpointSpec) (kdb.Endpoint, error)
		Get          func(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error)
		Find         func(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.Endpoint, error)
		Update       func(ctx context.Context, tenantId, projectId, endpointId string, u kdb.EndpointUpdate, reconcile bool) (kdb.Endpoint, error)
		MarkDeleting func(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error)
		GetBundle    func(ctx context.Context, endpointId string) (kdb.EndpointBundle, error)
		SetStatus    func(ctx context.Context, endpointId string, status kdb.EndpointStatus, url string, errorString string) error
		SoftDelete   func(ctx context.Context, endpointId string) error
	}

	Calls struct {
		Register     CallLog[kdb.EndpointSpec]
		Get          CallLog[string]
		Find         CallLog[string]
		Update       CallLog[string]
		MarkDeleting CallLog[string]
		GetBundle    CallLog[string]
		SetStatus    CallLog[struct {
			EndpointId string
			Status     kdb.EndpointStatus
			Url        string
			Error      string
		}]
		SoftDelete CallLog[string]
	}
}

func NewEndpointInterface() *EndpointInterface {
	return &EndpointInterface{}
}

var _ kdb.EndpointInterface = &EndpointInterface{}

func (m *EndpointInterface) Register(ctx context.Context, spec kdb.EndpointSpec) (kdb.Endpoint, error) {
	m.Calls.Register = append(m.Calls.Register, spec)
	if m.Impl.Register != nil {
		return m.Impl.Register(ctx, spec)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) Get(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error) {
	m.Calls.Get = append(m.Calls.Get, endpointId)
	if m.Impl.Get != nil {
		return m.Impl.Get(ctx, tenantId, projectId, endpointId)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) Find(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.Endpoint, error) {
	m.Calls.Find = append(m.Calls.Find, tenantId)
	if m.Impl.Find != nil {
		return m.Impl.Find(ctx, tenantId, projectId, limit)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) Update(ctx context.Context, tenantId, projectId, endpointId string, u kdb.EndpointUpdate, reconcile bool) (kdb.Endpoint, error) {
	m.Calls.Update = append(m.Calls.Update, endpointId)
	if m.Impl.Update != nil {
		return m.Impl.Update(ctx, tenantId, projectId, endpointId, u, reconcile)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) MarkDeleting(ctx context.Context, tenantId, projectId, endpointId string) (kdb.Endpoint, error) {
	m.Calls.MarkDeleting = append(m.Calls.MarkDeleting, endpointId)
	if m.Impl.MarkDeleting != nil {
		return m.Impl.MarkDeleting(ctx, tenantId, projectId, endpointId)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) GetBundle(ctx context.Context, endpointId string) (kdb.EndpointBundle, error) {
	m.Calls.GetBundle = append(m.Calls.GetBundle, endpointId)
	if m.Impl.GetBundle != nil {
		return m.Impl.GetBundle(ctx, endpointId)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) SetStatus(ctx context.Context, endpointId string, status kdb.EndpointStatus, url string, errorString string) error {
	m.Calls.SetStatus = append(m.Calls.SetStatus, struct {
		EndpointId string
		Status     kdb.EndpointStatus
		Url        string
		Error      string
	}{EndpointId: endpointId, Status: status, Url: url, Error: errorString})
	if m.Impl.SetStatus != nil {
		return m.Impl.SetStatus(ctx, endpointId, status, url, errorString)
	}
	panic(errors.New("it should not be called"))
}

func (m *EndpointInterface) SoftDelete(ctx context.Context, endpointId string) error {
	m.Calls.SoftDelete = append(m.Calls.SoftDelete, endpointId)
	if m.Impl.SoftDelete != nil {
		return m.Impl.SoftDelete(ctx, endpointId)
	}
	panic(errors.New("it should not be called"))
}
