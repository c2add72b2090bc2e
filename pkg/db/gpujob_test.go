package db_test

import (
	"testing"

	kdb "github.com/opst/gpuplane/pkg/db"
)

func TestGpuJobStatus_CanAdvanceTo(t *testing.T) {
	type When struct {
		from kdb.GpuJobStatus
		to   kdb.GpuJobStatus
	}

	theory := func(when When, then bool) func(t *testing.T) {
		return func(t *testing.T) {
			if actual := when.from.CanAdvanceTo(when.to); actual != then {
				t.Errorf(
					"%s -> %s: actual=%v, expect=%v",
					when.from, when.to, actual, then,
				)
			}
		}
	}

	t.Run("queued can be dispatched", theory(When{kdb.Queued, kdb.Dispatched}, true))
	t.Run("dispatched can run", theory(When{kdb.Dispatched, kdb.Running}, true))
	t.Run("dispatched can be requeued", theory(When{kdb.Dispatched, kdb.Queued}, true))
	t.Run("dispatched can fail", theory(When{kdb.Dispatched, kdb.Failed}, true))
	t.Run("running can succeed", theory(When{kdb.Running, kdb.Succeeded}, true))
	t.Run("running can fail", theory(When{kdb.Running, kdb.Failed}, true))

	// no back-edges along the main line.
	t.Run("queued can not run", theory(When{kdb.Queued, kdb.Running}, false))
	t.Run("queued can not succeed", theory(When{kdb.Queued, kdb.Succeeded}, false))
	t.Run("running can not be requeued", theory(When{kdb.Running, kdb.Queued}, false))
	t.Run("running can not be redispatched", theory(When{kdb.Running, kdb.Dispatched}, false))
	t.Run("succeeded is terminal", theory(When{kdb.Succeeded, kdb.Running}, false))
	t.Run("failed is terminal", theory(When{kdb.Failed, kdb.Queued}, false))
}

func TestAsIsolationLevel(t *testing.T) {
	type Then struct {
		isolation kdb.IsolationLevel
		wantErr   bool
	}

	theory := func(when string, then Then) func(t *testing.T) {
		return func(t *testing.T) {
			actual, err := kdb.AsIsolationLevel(when)
			if then.wantErr {
				if err == nil {
					t.Errorf("expected error for %q, got %q", when, actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if actual != then.isolation {
				t.Errorf("isolation: actual=%s, expect=%s", actual, then.isolation)
			}
		}
	}

	t.Run("shared", theory("shared", Then{isolation: kdb.Shared}))
	t.Run("exclusive", theory("exclusive", Then{isolation: kdb.Exclusive}))
	t.Run("empty defaults to shared", theory("", Then{isolation: kdb.Shared}))
	t.Run("isolated is an alias of exclusive", theory("isolated", Then{isolation: kdb.Exclusive}))
	t.Run("anything else is rejected", theory("both", Then{wantErr: true}))
}

func TestAsGpuPool(t *testing.T) {
	for _, ok := range []string{"t4", "mig", "auto"} {
		pool, err := kdb.AsGpuPool(ok)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", ok, err)
		}
		if string(pool) != ok {
			t.Errorf("pool: actual=%s, expect=%s", pool, ok)
		}
	}

	if _, err := kdb.AsGpuPool("v100"); err == nil {
		t.Error("expected error for unknown pool")
	}
}

func TestAsGpuJobStatus(t *testing.T) {
	for _, ok := range []string{"QUEUED", "DISPATCHED", "RUNNING", "SUCCEEDED", "FAILED"} {
		status, err := kdb.AsGpuJobStatus(ok)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", ok, err)
		}
		if string(status) != ok {
			t.Errorf("status: actual=%s, expect=%s", status, ok)
		}
	}

	if _, err := kdb.AsGpuJobStatus("queued"); err == nil {
		t.Error("statuses are case-sensitive. expected error")
	}
}

func TestTenantGpuPolicy_MaxConcurrency(t *testing.T) {
	policy := kdb.TenantGpuPolicy{T4MaxConcurrency: 3, MigMaxConcurrency: 1}

	if actual := policy.MaxConcurrency(kdb.PoolT4); actual != 3 {
		t.Errorf("t4: actual=%d, expect=3", actual)
	}
	if actual := policy.MaxConcurrency(kdb.PoolMig); actual != 1 {
		t.Errorf("mig: actual=%d, expect=1", actual)
	}
}
