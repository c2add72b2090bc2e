package worker_test

import (
	"strings"
	"testing"
	"time"

	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	"github.com/opst/gpuplane/pkg/workloads/worker"
)

func TestName(t *testing.T) {
	t.Run("is deterministic and dns safe", func(t *testing.T) {
		name := worker.Name(
			"4fd2b29a-aa11-4a3b-97cd-02f1b2a4de1f",
			"9c1d2e3f-0a1b-4c5d-8e9f-aabbccddeeff",
		)
		if name != "gpu-exec-4fd2b29a-9c1d2e3f" {
			t.Errorf("name: actual=%s, expect=gpu-exec-4fd2b29a-9c1d2e3f", name)
		}
	})

	t.Run("distinct per dispatch attempt", func(t *testing.T) {
		first := worker.Name("4fd2b29a-aa11", "token-aa-1111")
		second := worker.Name("4fd2b29a-aa11", "token-bb-2222")
		if first == second {
			t.Error("names of different attempts should differ")
		}
	})
}

func TestBuilder_Build(t *testing.T) {
	builder := worker.Builder{
		Namespace:    "gpuplane-system",
		Image:        "gpuplane/executor:v1",
		ResourceName: "nvidia.com/mig-1g.5gb",
		NodeSelector: map[string]string{"nvidia.com/device-plugin.config": "a100-mig"},
		Database:     "postgres://store",
		Bus:          "nats://bus",
		Executor:     cfg.ExecutorHttp,
		HttpTimeout:  300 * time.Second,
		JobTTL:       120 * time.Second,
	}

	unit := builder.Build(worker.Spec{
		JobId:         "4fd2b29a-aa11-4a3b-97cd-02f1b2a4de1f",
		DispatchToken: "9c1d2e3f-0a1b-4c5d-8e9f-aabbccddeeff",
		Pool:          kdb.PoolMig,
		Isolation:     kdb.Shared,
	})

	if unit.Namespace != "gpuplane-system" {
		t.Errorf("namespace: actual=%s", unit.Namespace)
	}
	if !strings.HasPrefix(unit.Name, "gpu-exec-") {
		t.Errorf("name: actual=%s", unit.Name)
	}

	if unit.Spec.BackoffLimit == nil || *unit.Spec.BackoffLimit != 0 {
		t.Error("backoffLimit should be 0: retry policy belongs to the scheduler")
	}
	if unit.Spec.TTLSecondsAfterFinished == nil || *unit.Spec.TTLSecondsAfterFinished != 120 {
		t.Error("ttlSecondsAfterFinished should carry the configured TTL")
	}

	pod := unit.Spec.Template.Spec
	if pod.RestartPolicy != "Never" {
		t.Errorf("restartPolicy: actual=%s, expect=Never", pod.RestartPolicy)
	}
	if pod.NodeSelector["nvidia.com/device-plugin.config"] != "a100-mig" {
		t.Errorf("nodeSelector: actual=%v", pod.NodeSelector)
	}

	container := pod.Containers[0]

	env := map[string]string{}
	for _, e := range container.Env {
		env[e.Name] = e.Value
	}
	for name, expected := range map[string]string{
		"JOB_ID":               "4fd2b29a-aa11-4a3b-97cd-02f1b2a4de1f",
		"DISPATCH_TOKEN":       "9c1d2e3f-0a1b-4c5d-8e9f-aabbccddeeff",
		"STORE_URL":            "postgres://store",
		"BUS_URL":              "nats://bus",
		"GPU_EXECUTOR":         "http",
		"HTTP_TIMEOUT_SECONDS": "300",
	} {
		if env[name] != expected {
			t.Errorf("env %s: actual=%q, expect=%q", name, env[name], expected)
		}
	}

	requests := container.Resources.Requests["nvidia.com/mig-1g.5gb"]
	limits := container.Resources.Limits["nvidia.com/mig-1g.5gb"]
	if requests.String() != "1" || limits.String() != "1" {
		t.Errorf("gpu resource: requests=%s limits=%s, expect 1/1", requests.String(), limits.String())
	}
}
