package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4/pgxpool"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
)

type usagePG struct { // implements kdb.UsageInterface
	pool *pgxpool.Pool
}

func newUsage(pool *pgxpool.Pool) *usagePG {
	return &usagePG{pool: pool}
}

var _ kdb.UsageInterface = &usagePG{}

func (m *usagePG) Append(ctx context.Context, record kdb.UsageRecord) error {
	labels := record.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return xe.Wrap(err)
	}

	if _, err := m.pool.Exec(
		ctx,
		`
		insert into "usage_ledger" (
			"tenant_id", "project_id", "subject_type", "subject_id",
			"meter", "quantity", "labels"
		)
		values ($1, $2, $3, $4, $5, $6, $7)
		`,
		record.TenantId, record.ProjectId, record.SubjectType, record.SubjectId,
		record.Meter, record.Quantity, labelsJSON,
	); err != nil {
		return xe.Wrap(err)
	}
	return nil
}

func (m *usagePG) FindBySubject(ctx context.Context, subjectType, subjectId string) ([]kdb.UsageRecord, error) {
	rows, err := m.pool.Query(
		ctx,
		`
		select "id", "tenant_id", "project_id", "subject_type", "subject_id",
		       "meter", "quantity", "labels", "recorded_at"
		from "usage_ledger"
		where "subject_type" = $1 and "subject_id" = $2
		order by "recorded_at" asc
		`,
		subjectType, subjectId,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	records := []kdb.UsageRecord{}
	for rows.Next() {
		var (
			r          kdb.UsageRecord
			labelsJSON []byte
		)
		if err := rows.Scan(
			&r.Id, &r.TenantId, &r.ProjectId, &r.SubjectType, &r.SubjectId,
			&r.Meter, &r.Quantity, &labelsJSON, &r.RecordedAt,
		); err != nil {
			return nil, xe.Wrap(err)
		}
		if labelsJSON != nil {
			if err := json.Unmarshal(labelsJSON, &r.Labels); err != nil {
				return nil, xe.Wrap(err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
