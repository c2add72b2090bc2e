package cluster

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ClusterConfigMarshall struct {
	Port        int32                      `yaml:"port"`
	Namespace   string                     `yaml:"namespace"`
	Database    string                     `yaml:"database"`
	Bus         string                     `yaml:"bus"`
	Gpu         *GpuConfigMarshall         `yaml:"gpu"`
	Serving     *ServingConfigMarshall     `yaml:"serving"`
	Idempotency *IdempotencyConfigMarshall `yaml:"idempotency"`
}

var _ Marshalled[*ClusterConfig] = &ClusterConfigMarshall{}

func (cm *ClusterConfigMarshall) trySeal(path string) *ClusterConfig {
	port := cm.Port
	if port == 0 {
		port = 8080
	}
	namespace := cm.Namespace
	if namespace == "" {
		namespace = "gpuplane-system"
	}

	gpu := cm.Gpu
	if gpu == nil {
		gpu = &GpuConfigMarshall{}
	}
	serving := cm.Serving
	if serving == nil {
		serving = &ServingConfigMarshall{}
	}
	idempotency := cm.Idempotency
	if idempotency == nil {
		idempotency = &IdempotencyConfigMarshall{}
	}

	return &ClusterConfig{
		port:        port,
		namespace:   namespace,
		database:    required(cm.Database, path+".database"),
		bus:         required(cm.Bus, path+".bus"),
		gpu:         gpu.trySeal(path + ".gpu"),
		serving:     serving.trySeal(path + ".serving"),
		idempotency: idempotency.trySeal(path + ".idempotency"),
	}
}

type GpuConfigMarshall struct {
	T4SharedSlots       *int   `yaml:"t4SharedSlots"`
	T4ExclusiveSlots    *int   `yaml:"t4ExclusiveSlots"`
	MigTotalSlots       *int   `yaml:"migTotalSlots"`
	DispatchTimeout     string `yaml:"dispatchTimeout"`
	ExecutionTimeout    string `yaml:"executionTimeout"`
	MaxDispatchAttempts *int   `yaml:"maxDispatchAttempts"`
	Tick                string `yaml:"tick"`
	ExecutionMode       string `yaml:"executionMode"`
	Executor            string `yaml:"executor"`
	HttpTimeout         string `yaml:"httpTimeout"`
	SimulateDelay       string `yaml:"simulateDelay"`
	ResourceName        string `yaml:"resourceName"`
	ExecutorImage       string `yaml:"executorImage"`
	JobTTL              string `yaml:"jobTTL"`
}

func (gm *GpuConfigMarshall) trySeal(path string) *GpuConfig {
	mode := ExecutionMode(defaulted(gm.ExecutionMode, string(ModeDirect)))
	switch mode {
	case ModeDirect, ModeEphemeral:
	default:
		panic(fmt.Sprintf("%s.executionMode: unknown mode %q", path, mode))
	}

	executor := ExecutorKind(defaulted(gm.Executor, string(ExecutorSimulate)))
	switch executor {
	case ExecutorSimulate, ExecutorHttp:
	default:
		panic(fmt.Sprintf("%s.executor: unknown executor %q", path, executor))
	}

	return &GpuConfig{
		t4SharedSlots:       nonNegative(intOr(gm.T4SharedSlots, 8), path+".t4SharedSlots"),
		t4ExclusiveSlots:    nonNegative(intOr(gm.T4ExclusiveSlots, 1), path+".t4ExclusiveSlots"),
		migTotalSlots:       nonNegative(intOr(gm.MigTotalSlots, 0), path+".migTotalSlots"),
		dispatchTimeout:     duration(gm.DispatchTimeout, 120*time.Second, path+".dispatchTimeout"),
		executionTimeout:    duration(gm.ExecutionTimeout, time.Hour, path+".executionTimeout"),
		maxDispatchAttempts: positive(intOr(gm.MaxDispatchAttempts, 3), path+".maxDispatchAttempts"),
		tick:                duration(gm.Tick, time.Second, path+".tick"),
		executionMode:       mode,
		executor:            executor,
		httpTimeout:         duration(gm.HttpTimeout, 300*time.Second, path+".httpTimeout"),
		simulateDelay:       duration(gm.SimulateDelay, 2*time.Second, path+".simulateDelay"),
		resourceName:        defaulted(gm.ResourceName, "nvidia.com/gpu"),
		executorImage:       gm.ExecutorImage,
		jobTTL:              duration(gm.JobTTL, 120*time.Second, path+".jobTTL"),
	}
}

type ServingConfigMarshall struct {
	Mode          string `yaml:"mode"`
	Namespace     string `yaml:"namespace"`
	DeployTimeout string `yaml:"deployTimeout"`
	NamePrefix    string `yaml:"namePrefix"`
}

func (sm *ServingConfigMarshall) trySeal(path string) *ServingConfig {
	mode := DeployMode(defaulted(sm.Mode, string(DeploySimulate)))
	switch mode {
	case DeploySimulate, DeployReconcile:
	default:
		panic(fmt.Sprintf("%s.mode: unknown mode %q", path, mode))
	}

	return &ServingConfig{
		mode:          mode,
		namespace:     defaulted(sm.Namespace, "gpuplane-serving"),
		deployTimeout: duration(sm.DeployTimeout, 600*time.Second, path+".deployTimeout"),
		namePrefix:    defaulted(sm.NamePrefix, "endpoint"),
	}
}

type IdempotencyConfigMarshall struct {
	TTL          string `yaml:"ttl"`
	MaxBodyBytes *int   `yaml:"maxBodyBytes"`
}

func (im *IdempotencyConfigMarshall) trySeal(path string) *IdempotencyConfig {
	return &IdempotencyConfig{
		ttl:          duration(im.TTL, 24*time.Hour, path+".ttl"),
		maxBodyBytes: positive(intOr(im.MaxBodyBytes, 1<<20), path+".maxBodyBytes"),
	}
}

// Overlay applies the well-known environment variables over the marshalled
// config, so both yaml files and plain env deployments work.
func (cm *ClusterConfigMarshall) Overlay() *ClusterConfigMarshall {
	envString(&cm.Database, "STORE_URL", "DATABASE_URL")
	envString(&cm.Bus, "BUS_URL", "NATS_URL")
	envString(&cm.Namespace, "GPU_JOB_NAMESPACE")
	envInt32(&cm.Port, "PORT")

	if cm.Gpu == nil {
		cm.Gpu = &GpuConfigMarshall{}
	}
	envIntRef(&cm.Gpu.T4SharedSlots, "T4_SHARED_SLOTS")
	envIntRef(&cm.Gpu.T4ExclusiveSlots, "T4_EXCLUSIVE_SLOTS")
	envIntRef(&cm.Gpu.MigTotalSlots, "MIG_TOTAL_SLOTS")
	envString(&cm.Gpu.DispatchTimeout, "DISPATCH_TIMEOUT")
	envString(&cm.Gpu.ExecutionTimeout, "EXECUTION_TIMEOUT")
	envIntRef(&cm.Gpu.MaxDispatchAttempts, "MAX_DISPATCH_ATTEMPTS")
	envString(&cm.Gpu.Tick, "SCHEDULER_TICK")
	envString(&cm.Gpu.ExecutionMode, "GPU_EXECUTION_MODE")
	envString(&cm.Gpu.Executor, "GPU_EXECUTOR")
	envSeconds(&cm.Gpu.HttpTimeout, "HTTP_TIMEOUT_SECONDS")
	envString(&cm.Gpu.ResourceName, "GPU_RESOURCE_NAME")
	envString(&cm.Gpu.ExecutorImage, "GPU_EXECUTOR_IMAGE")
	envSeconds(&cm.Gpu.JobTTL, "GPU_JOB_TTL_SECONDS")

	if cm.Serving == nil {
		cm.Serving = &ServingConfigMarshall{}
	}
	envString(&cm.Serving.Mode, "DEPLOY_MODE")
	envString(&cm.Serving.Namespace, "SERVING_NAMESPACE")
	envSeconds(&cm.Serving.DeployTimeout, "DEPLOY_TIMEOUT_SECONDS")

	if cm.Idempotency == nil {
		cm.Idempotency = &IdempotencyConfigMarshall{}
	}
	envSeconds(&cm.Idempotency.TTL, "IDEMPOTENCY_TTL_SECONDS")
	envIntRef(&cm.Idempotency.MaxBodyBytes, "IDEMPOTENCY_MAX_BODY_BYTES")

	return cm
}

func envString(dest *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dest = v
			return
		}
	}
}

func envIntRef(dest **int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dest = &n
		}
	}
}

func envInt32(dest *int32, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			n32 := int32(n)
			*dest = n32
		}
	}
}

// envSeconds reads an integer-seconds envvar into a duration string field.
func envSeconds(dest *string, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dest = time.Duration(n * float64(time.Second)).String()
		}
	}
}

// duration parses a Go duration, accepting bare numbers as seconds.
func duration(raw string, def time.Duration, path string) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			panic(path + " must not be negative")
		}
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	panic(path + " is not a duration: " + raw)
}

func defaulted(v string, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func nonNegative(v int, path string) int {
	if v < 0 {
		panic(path + " must not be negative")
	}
	return v
}

func positive(v int, path string) int {
	if v <= 0 {
		panic(path + " must be positive")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}
