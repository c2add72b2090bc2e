// Boot-time schema migrations.
//
// Migration files are plain SQL in a repository directory, applied in
// lexicographic filename order. Applied versions are tracked in the
// "schema_migrations" table, under an advisory lock so concurrent boots of
// the upgrader do not race.
package schema

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/gpuplane/pkg/errors"
)

const upgraderLockKey = 912345679

func Upgrade(ctx context.Context, pool *pgxpool.Pool, repository string) ([]string, error) {
	entries, err := os.ReadDir(repository)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `select pg_advisory_lock($1)`, upgraderLockKey); err != nil {
		return nil, xe.Wrap(err)
	}
	defer conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, upgraderLockKey)

	if _, err := conn.Exec(
		ctx,
		`
		create table if not exists "schema_migrations" (
			"version" varchar(255) primary key,
			"applied_at" timestamp with time zone not null default now()
		)
		`,
	); err != nil {
		return nil, xe.Wrap(err)
	}

	applied := []string{}
	for _, name := range names {
		var exists bool
		if err := conn.QueryRow(
			ctx, `select exists (select 1 from "schema_migrations" where "version" = $1)`, name,
		).Scan(&exists); err != nil {
			return nil, xe.Wrap(err)
		}
		if exists {
			continue
		}

		content, err := os.ReadFile(filepath.Join(repository, name))
		if err != nil {
			return nil, xe.Wrap(err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return applied, xe.WrapWithNote(name, err)
		}
		if _, err := tx.Exec(
			ctx, `insert into "schema_migrations" ("version") values ($1)`, name,
		); err != nil {
			tx.Rollback(ctx)
			return applied, xe.Wrap(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, xe.Wrap(err)
		}
		applied = append(applied, name)
	}

	return applied, nil
}
