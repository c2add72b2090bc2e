package cluster_test

import (
	"testing"
	"time"

	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	"github.com/opst/gpuplane/pkg/utils/try"
)

func TestUnmarshal(t *testing.T) {
	t.Run("defaults fill everything but connections", func(t *testing.T) {
		conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://store
bus: nats://bus
`))).OrFatal(t)

		if conf.Namespace() != "gpuplane-system" {
			t.Errorf("namespace: actual=%s", conf.Namespace())
		}
		if conf.Port() != 8080 {
			t.Errorf("port: actual=%d", conf.Port())
		}

		gpu := conf.Gpu()
		if gpu.T4SharedSlots() != 8 {
			t.Errorf("t4 shared slots: actual=%d, expect=8", gpu.T4SharedSlots())
		}
		if gpu.T4ExclusiveSlots() != 1 {
			t.Errorf("t4 exclusive slots: actual=%d, expect=1", gpu.T4ExclusiveSlots())
		}
		if gpu.MigTotalSlots() != 0 {
			t.Errorf("mig slots: actual=%d, expect=0", gpu.MigTotalSlots())
		}
		if gpu.DispatchTimeout() != 120*time.Second {
			t.Errorf("dispatch timeout: actual=%s, expect=120s", gpu.DispatchTimeout())
		}
		if gpu.MaxDispatchAttempts() != 3 {
			t.Errorf("max attempts: actual=%d, expect=3", gpu.MaxDispatchAttempts())
		}
		if gpu.ExecutionMode() != cfg.ModeDirect {
			t.Errorf("mode: actual=%s, expect=direct", gpu.ExecutionMode())
		}
		if gpu.Executor() != cfg.ExecutorSimulate {
			t.Errorf("executor: actual=%s, expect=simulate", gpu.Executor())
		}
		if gpu.ResourceName() != "nvidia.com/gpu" {
			t.Errorf("resource name: actual=%s", gpu.ResourceName())
		}

		serving := conf.Serving()
		if serving.Mode() != cfg.DeploySimulate {
			t.Errorf("deploy mode: actual=%s, expect=simulate", serving.Mode())
		}
		if serving.DeployTimeout() != 600*time.Second {
			t.Errorf("deploy timeout: actual=%s, expect=600s", serving.DeployTimeout())
		}

		idem := conf.Idempotency()
		if idem.TTL() != 24*time.Hour {
			t.Errorf("ttl: actual=%s, expect=24h", idem.TTL())
		}
		if idem.MaxBodyBytes() != 1<<20 {
			t.Errorf("max body: actual=%d, expect=1MiB", idem.MaxBodyBytes())
		}
	})

	t.Run("yaml values override defaults", func(t *testing.T) {
		conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://store
bus: nats://bus
gpu:
  t4SharedSlots: 16
  migTotalSlots: 7
  dispatchTimeout: 90s
  executionMode: ephemeral
  executorImage: gpuplane/executor:v1
serving:
  mode: reconcile
`))).OrFatal(t)

		gpu := conf.Gpu()
		if gpu.T4SharedSlots() != 16 {
			t.Errorf("t4 shared slots: actual=%d, expect=16", gpu.T4SharedSlots())
		}
		if gpu.MigTotalSlots() != 7 {
			t.Errorf("mig slots: actual=%d, expect=7", gpu.MigTotalSlots())
		}
		if gpu.DispatchTimeout() != 90*time.Second {
			t.Errorf("dispatch timeout: actual=%s, expect=90s", gpu.DispatchTimeout())
		}
		if gpu.ExecutionMode() != cfg.ModeEphemeral {
			t.Errorf("mode: actual=%s, expect=ephemeral", gpu.ExecutionMode())
		}
		if conf.Serving().Mode() != cfg.DeployReconcile {
			t.Errorf("deploy mode: actual=%s, expect=reconcile", conf.Serving().Mode())
		}
	})

	t.Run("bare numbers in durations mean seconds", func(t *testing.T) {
		conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://store
bus: nats://bus
gpu:
  dispatchTimeout: "45"
`))).OrFatal(t)

		if conf.Gpu().DispatchTimeout() != 45*time.Second {
			t.Errorf("dispatch timeout: actual=%s, expect=45s", conf.Gpu().DispatchTimeout())
		}
	})

	t.Run("envvars override yaml", func(t *testing.T) {
		t.Setenv("T4_SHARED_SLOTS", "4")
		t.Setenv("DISPATCH_TIMEOUT", "30s")
		t.Setenv("GPU_EXECUTOR", "http")

		conf := try.To(cfg.Unmarshal([]byte(`
database: postgres://store
bus: nats://bus
gpu:
  t4SharedSlots: 16
`))).OrFatal(t)

		gpu := conf.Gpu()
		if gpu.T4SharedSlots() != 4 {
			t.Errorf("t4 shared slots: actual=%d, expect=4 (from env)", gpu.T4SharedSlots())
		}
		if gpu.DispatchTimeout() != 30*time.Second {
			t.Errorf("dispatch timeout: actual=%s, expect=30s (from env)", gpu.DispatchTimeout())
		}
		if gpu.Executor() != cfg.ExecutorHttp {
			t.Errorf("executor: actual=%s, expect=http (from env)", gpu.Executor())
		}
	})

	t.Run("missing database is a misconfiguration", func(t *testing.T) {
		t.Setenv("STORE_URL", "")
		t.Setenv("DATABASE_URL", "")
		if _, err := cfg.Unmarshal([]byte(`
bus: nats://bus
`)); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown execution mode is a misconfiguration", func(t *testing.T) {
		if _, err := cfg.Unmarshal([]byte(`
database: postgres://store
bus: nats://bus
gpu:
  executionMode: serverless
`)); err == nil {
			t.Error("expected error")
		}
	})
}
