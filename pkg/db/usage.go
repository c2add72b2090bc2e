package db

import (
	"context"
	"time"
)

// UsageRecord is one append-only metering ledger row.
type UsageRecord struct {
	Id        int64
	TenantId  string
	ProjectId string

	SubjectType string
	SubjectId   string
	Meter       string
	Quantity    float64
	Labels      map[string]string

	RecordedAt time.Time
}

const (
	SubjectGpuJob   = "gpu_job"
	MeterGpuSeconds = "gpu_seconds"
)

type UsageInterface interface {
	// Append writes one ledger row.
	Append(ctx context.Context, record UsageRecord) error

	// FindBySubject lists rows for one subject, oldest first.
	FindBySubject(ctx context.Context, subjectType, subjectId string) ([]UsageRecord, error)
}
