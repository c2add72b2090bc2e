package mocks

import (
	"context"
	"errors"

	kdb "github.com/opst/gpuplane/pkg/db"
)

type PolicyInterface struct {
	Impl struct {
		Ensure func(ctx context.Context, tenantId string) (kdb.TenantGpuPolicy, error)
		Find   func(ctx context.Context) ([]kdb.TenantGpuPolicy, error)
		Upsert func(ctx context.Context, policy kdb.TenantGpuPolicy) error
	}

	Calls struct {
		Ensure CallLog[string]
		Find   CallLog[struct{}]
		Upsert CallLog[kdb.TenantGpuPolicy]
	}
}

func NewPolicyInterface() *PolicyInterface {
	return &PolicyInterface{}
}

var _ kdb.PolicyInterface = &PolicyInterface{}

func (m *PolicyInterface) Ensure(ctx context.Context, tenantId string) (kdb.TenantGpuPolicy, error) {
	m.Calls.Ensure = append(m.Calls.Ensure, tenantId)
	if m.Impl.Ensure != nil {
		return m.Impl.Ensure(ctx, tenantId)
	}
	panic(errors.New("it should not be called"))
}

func (m *PolicyInterface) Find(ctx context.Context) ([]kdb.TenantGpuPolicy, error) {
	m.Calls.Find = append(m.Calls.Find, struct{}{})
	if m.Impl.Find != nil {
		return m.Impl.Find(ctx)
	}
	panic(errors.New("it should not be called"))
}

func (m *PolicyInterface) Upsert(ctx context.Context, policy kdb.TenantGpuPolicy) error {
	m.Calls.Upsert = append(m.Calls.Upsert, policy)
	if m.Impl.Upsert != nil {
		return m.Impl.Upsert(ctx, policy)
	}
	panic(errors.New("it should not be called"))
}
