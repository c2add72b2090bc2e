package mocks

import (
	"context"
	"errors"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
)

type IdempotencyInterface struct {
	Impl struct {
		Lookup   func(ctx context.Context, key kdb.IdempotencyKey) (kdb.IdempotencyRecord, bool, error)
		Begin    func(ctx context.Context, key kdb.IdempotencyKey, requestHash string, ttl time.Duration) error
		Finalize func(ctx context.Context, key kdb.IdempotencyKey, statusCode int, headers map[string]string, body []byte) error
		Sweep    func(ctx context.Context) (int, error)
	}

	Calls struct {
		Lookup   CallLog[kdb.IdempotencyKey]
		Begin    CallLog[kdb.IdempotencyKey]
		Finalize CallLog[struct {
			Key        kdb.IdempotencyKey
			StatusCode int
			Body       []byte
		}]
		Sweep CallLog[struct{}]
	}
}

func NewIdempotencyInterface() *IdempotencyInterface {
	return &IdempotencyInterface{}
}

var _ kdb.IdempotencyInterface = &IdempotencyInterface{}

func (m *IdempotencyInterface) Lookup(ctx context.Context, key kdb.IdempotencyKey) (kdb.IdempotencyRecord, bool, error) {
	m.Calls.Lookup = append(m.Calls.Lookup, key)
	if m.Impl.Lookup != nil {
		return m.Impl.Lookup(ctx, key)
	}
	panic(errors.New("it should not be called"))
}

func (m *IdempotencyInterface) Begin(ctx context.Context, key kdb.IdempotencyKey, requestHash string, ttl time.Duration) error {
	m.Calls.Begin = append(m.Calls.Begin, key)
	if m.Impl.Begin != nil {
		return m.Impl.Begin(ctx, key, requestHash, ttl)
	}
	panic(errors.New("it should not be called"))
}

func (m *IdempotencyInterface) Finalize(ctx context.Context, key kdb.IdempotencyKey, statusCode int, headers map[string]string, body []byte) error {
	m.Calls.Finalize = append(m.Calls.Finalize, struct {
		Key        kdb.IdempotencyKey
		StatusCode int
		Body       []byte
	}{Key: key, StatusCode: statusCode, Body: body})
	if m.Impl.Finalize != nil {
		return m.Impl.Finalize(ctx, key, statusCode, headers, body)
	}
	panic(errors.New("it should not be called"))
}

func (m *IdempotencyInterface) Sweep(ctx context.Context) (int, error) {
	m.Calls.Sweep = append(m.Calls.Sweep, struct{}{})
	if m.Impl.Sweep != nil {
		return m.Impl.Sweep(ctx)
	}
	panic(errors.New("it should not be called"))
}

type UsageInterface struct {
	Impl struct {
		Append        func(ctx context.Context, record kdb.UsageRecord) error
		FindBySubject func(ctx context.Context, subjectType, subjectId string) ([]kdb.UsageRecord, error)
	}

	Calls struct {
		Append        CallLog[kdb.UsageRecord]
		FindBySubject CallLog[string]
	}
}

func NewUsageInterface() *UsageInterface {
	return &UsageInterface{}
}

var _ kdb.UsageInterface = &UsageInterface{}

func (m *UsageInterface) Append(ctx context.Context, record kdb.UsageRecord) error {
	m.Calls.Append = append(m.Calls.Append, record)
	if m.Impl.Append != nil {
		return m.Impl.Append(ctx, record)
	}
	panic(errors.New("it should not be called"))
}

func (m *UsageInterface) FindBySubject(ctx context.Context, subjectType, subjectId string) ([]kdb.UsageRecord, error) {
	m.Calls.FindBySubject = append(m.Calls.FindBySubject, subjectId)
	if m.Impl.FindBySubject != nil {
		return m.Impl.FindBySubject(ctx, subjectType, subjectId)
	}
	panic(errors.New("it should not be called"))
}

type LockInterface struct {
	Impl struct {
		TryScheduler func(ctx context.Context) (func(), bool, error)
	}

	Calls struct {
		TryScheduler CallLog[struct{}]
	}
}

func NewLockInterface() *LockInterface {
	return &LockInterface{}
}

var _ kdb.LockInterface = &LockInterface{}

func (m *LockInterface) TryScheduler(ctx context.Context) (func(), bool, error) {
	m.Calls.TryScheduler = append(m.Calls.TryScheduler, struct{}{})
	if m.Impl.TryScheduler != nil {
		return m.Impl.TryScheduler(ctx)
	}
	// default: lock always free.
	return func() {}, true, nil
}
