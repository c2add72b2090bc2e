package mocks

import (
	"context"
	"errors"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

type GpuJobInterface struct {
	Impl struct {
		Register       func(ctx context.Context, spec kdb.GpuJobSpec) (kdb.GpuJob, error)
		Get            func(ctx context.Context, tenantId, projectId, jobId string) (kdb.GpuJob, error)
		Find           func(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.GpuJob, error)
		CountPending   func(ctx context.Context, tenantId string) (int, error)
		InFlight       func(ctx context.Context, pool kdb.GpuPool, isolation *kdb.IsolationLevel) (kdb.InFlightCount, error)
		Candidates     func(ctx context.Context, pool kdb.GpuPool, includeAuto bool, limit int) ([]kdb.GpuJob, error)
		Dispatch       func(ctx context.Context, jobId string, pool kdb.GpuPool) (kdb.GpuJob, bool, error)
		RevertDispatch func(ctx context.Context, jobId string, dispatchToken string) error
		PickToRun      func(ctx context.Context, jobId string, dispatchToken string) (kdb.GpuJob, bool, error)
		Finish         func(ctx context.Context, jobId string, dispatchToken string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error)
		Reclaim        func(ctx context.Context, dispatchTimeout, executionTimeout time.Duration, maxAttempts int) (kdb.ReclaimedJobs, error)
		FailDispatched func(ctx context.Context, jobId string, dispatchToken string, errorString string) (bool, error)
	}

	Calls struct {
		Register     CallLog[kdb.GpuJobSpec]
		Get          CallLog[string]
		Find         CallLog[string]
		CountPending CallLog[string]
		InFlight     CallLog[struct {
			Pool      kdb.GpuPool
			Isolation *kdb.IsolationLevel
		}]
		Candidates CallLog[struct {
			Pool        kdb.GpuPool
			IncludeAuto bool
		}]
		Dispatch CallLog[struct {
			JobId string
			Pool  kdb.GpuPool
		}]
		RevertDispatch CallLog[struct {
			JobId string
			Token string
		}]
		PickToRun CallLog[struct {
			JobId string
			Token string
		}]
		Finish CallLog[struct {
			JobId  string
			Token  string
			Result kdb.GpuJobResult
		}]
		Reclaim        CallLog[struct{}]
		FailDispatched CallLog[struct {
			JobId string
			Token string
			Error string
		}]
	}
}

func NewGpuJobInterface() *GpuJobInterface {
	return &GpuJobInterface{}
}

var _ kdb.GpuJobInterface = &GpuJobInterface{}

func (m *GpuJobInterface) Register(ctx context.Context, spec kdb.GpuJobSpec) (kdb.GpuJob, error) {
	m.Calls.Register = append(m.Calls.Register, spec)
	if m.Impl.Register != nil {
		return m.Impl.Register(ctx, spec)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Get(ctx context.Context, tenantId, projectId, jobId string) (kdb.GpuJob, error) {
	m.Calls.Get = append(m.Calls.Get, jobId)
	if m.Impl.Get != nil {
		return m.Impl.Get(ctx, tenantId, projectId, jobId)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Find(ctx context.Context, tenantId, projectId string, limit int) ([]kdb.GpuJob, error) {
	m.Calls.Find = append(m.Calls.Find, tenantId)
	if m.Impl.Find != nil {
		return m.Impl.Find(ctx, tenantId, projectId, limit)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) CountPending(ctx context.Context, tenantId string) (int, error) {
	m.Calls.CountPending = append(m.Calls.CountPending, tenantId)
	if m.Impl.CountPending != nil {
		return m.Impl.CountPending(ctx, tenantId)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) InFlight(ctx context.Context, pool kdb.GpuPool, isolation *kdb.IsolationLevel) (kdb.InFlightCount, error) {
	m.Calls.InFlight = append(m.Calls.InFlight, struct {
		Pool      kdb.GpuPool
		Isolation *kdb.IsolationLevel
	}{Pool: pool, Isolation: isolation})
	if m.Impl.InFlight != nil {
		return m.Impl.InFlight(ctx, pool, isolation)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Candidates(ctx context.Context, pool kdb.GpuPool, includeAuto bool, limit int) ([]kdb.GpuJob, error) {
	m.Calls.Candidates = append(m.Calls.Candidates, struct {
		Pool        kdb.GpuPool
		IncludeAuto bool
	}{Pool: pool, IncludeAuto: includeAuto})
	if m.Impl.Candidates != nil {
		return m.Impl.Candidates(ctx, pool, includeAuto, limit)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Dispatch(ctx context.Context, jobId string, pool kdb.GpuPool) (kdb.GpuJob, bool, error) {
	m.Calls.Dispatch = append(m.Calls.Dispatch, struct {
		JobId string
		Pool  kdb.GpuPool
	}{JobId: jobId, Pool: pool})
	if m.Impl.Dispatch != nil {
		return m.Impl.Dispatch(ctx, jobId, pool)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) RevertDispatch(ctx context.Context, jobId string, dispatchToken string) error {
	m.Calls.RevertDispatch = append(m.Calls.RevertDispatch, struct {
		JobId string
		Token string
	}{JobId: jobId, Token: dispatchToken})
	if m.Impl.RevertDispatch != nil {
		return m.Impl.RevertDispatch(ctx, jobId, dispatchToken)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) PickToRun(ctx context.Context, jobId string, dispatchToken string) (kdb.GpuJob, bool, error) {
	m.Calls.PickToRun = append(m.Calls.PickToRun, struct {
		JobId string
		Token string
	}{JobId: jobId, Token: dispatchToken})
	if m.Impl.PickToRun != nil {
		return m.Impl.PickToRun(ctx, jobId, dispatchToken)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Finish(ctx context.Context, jobId string, dispatchToken string, result kdb.GpuJobResult) (kdb.GpuJob, bool, error) {
	m.Calls.Finish = append(m.Calls.Finish, struct {
		JobId  string
		Token  string
		Result kdb.GpuJobResult
	}{JobId: jobId, Token: dispatchToken, Result: result})
	if m.Impl.Finish != nil {
		return m.Impl.Finish(ctx, jobId, dispatchToken, result)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) Reclaim(ctx context.Context, dispatchTimeout, executionTimeout time.Duration, maxAttempts int) (kdb.ReclaimedJobs, error) {
	m.Calls.Reclaim = append(m.Calls.Reclaim, struct{}{})
	if m.Impl.Reclaim != nil {
		return m.Impl.Reclaim(ctx, dispatchTimeout, executionTimeout, maxAttempts)
	}
	panic(errors.New("it should not be called"))
}

func (m *GpuJobInterface) FailDispatched(ctx context.Context, jobId string, dispatchToken string, errorString string) (bool, error) {
	m.Calls.FailDispatched = append(m.Calls.FailDispatched, struct {
		JobId string
		Token string
		Error string
	}{JobId: jobId, Token: dispatchToken, Error: errorString})
	if m.Impl.FailDispatched != nil {
		return m.Impl.FailDispatched(ctx, jobId, dispatchToken, errorString)
	}
	panic(errors.New("it should not be called"))
}
