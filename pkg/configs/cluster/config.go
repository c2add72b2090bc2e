package cluster

import "time"

// ClusterConfig is the sealed, immutable configuration of the control plane.
//
// To get an instance, use LoadClusterConfig() / Unmarshal().
type ClusterConfig struct {
	port        int32
	namespace   string
	database    string
	bus         string
	gpu         *GpuConfig
	serving     *ServingConfig
	idempotency *IdempotencyConfig
}

func (c *ClusterConfig) Port() int32 {
	return c.port
}

// k8s namespace where executor Jobs are created.
func (c *ClusterConfig) Namespace() string {
	return c.namespace
}

// Connection string for the durable store.
func (c *ClusterConfig) Database() string {
	return c.database
}

// Connection string for the event bus.
func (c *ClusterConfig) Bus() string {
	return c.bus
}

func (c *ClusterConfig) Gpu() *GpuConfig {
	return c.gpu
}

func (c *ClusterConfig) Serving() *ServingConfig {
	return c.serving
}

func (c *ClusterConfig) Idempotency() *IdempotencyConfig {
	return c.idempotency
}

type ExecutionMode string

const (
	// execute jobs inside the dispatcher process. dev/demo only.
	ModeDirect ExecutionMode = "direct"

	// launch an ephemeral k8s Job running the executor binary.
	ModeEphemeral ExecutionMode = "ephemeral"
)

type ExecutorKind string

const (
	// sleep and synthesize a response.
	ExecutorSimulate ExecutorKind = "simulate"

	// POST request_json to the job's target_url.
	ExecutorHttp ExecutorKind = "http"
)

type GpuConfig struct {
	t4SharedSlots       int
	t4ExclusiveSlots    int
	migTotalSlots       int
	dispatchTimeout     time.Duration
	executionTimeout    time.Duration
	maxDispatchAttempts int
	tick                time.Duration
	executionMode       ExecutionMode
	executor            ExecutorKind
	httpTimeout         time.Duration
	simulateDelay       time.Duration
	resourceName        string
	executorImage       string
	jobTTL              time.Duration
}

// total concurrent shared T4 slots. must equal the device-plugin
// time-slicing replica count.
func (g *GpuConfig) T4SharedSlots() int {
	return g.t4SharedSlots
}

func (g *GpuConfig) T4ExclusiveSlots() int {
	return g.t4ExclusiveSlots
}

func (g *GpuConfig) MigTotalSlots() int {
	return g.migTotalSlots
}

// how long a job may stay DISPATCHED before it is reclaimed.
func (g *GpuConfig) DispatchTimeout() time.Duration {
	return g.dispatchTimeout
}

// how long a job may stay RUNNING before it is failed.
func (g *GpuConfig) ExecutionTimeout() time.Duration {
	return g.executionTimeout
}

func (g *GpuConfig) MaxDispatchAttempts() int {
	return g.maxDispatchAttempts
}

// scheduler tick interval.
func (g *GpuConfig) Tick() time.Duration {
	return g.tick
}

func (g *GpuConfig) ExecutionMode() ExecutionMode {
	return g.executionMode
}

func (g *GpuConfig) Executor() ExecutorKind {
	return g.executor
}

func (g *GpuConfig) HttpTimeout() time.Duration {
	return g.httpTimeout
}

func (g *GpuConfig) SimulateDelay() time.Duration {
	return g.simulateDelay
}

// extended resource requested by executor pods,
// e.g. "nvidia.com/gpu" or "nvidia.com/mig-1g.5gb".
func (g *GpuConfig) ResourceName() string {
	return g.resourceName
}

// image running the executor binary. required in ephemeral mode.
func (g *GpuConfig) ExecutorImage() string {
	return g.executorImage
}

// ttlSecondsAfterFinished of executor Jobs.
func (g *GpuConfig) JobTTL() time.Duration {
	return g.jobTTL
}

type DeployMode string

const (
	DeploySimulate  DeployMode = "simulate"
	DeployReconcile DeployMode = "reconcile"
)

type ServingConfig struct {
	mode          DeployMode
	namespace     string
	deployTimeout time.Duration
	namePrefix    string
}

func (s *ServingConfig) Mode() DeployMode {
	return s.mode
}

// k8s namespace where serving resources are reconciled.
func (s *ServingConfig) Namespace() string {
	return s.namespace
}

func (s *ServingConfig) DeployTimeout() time.Duration {
	return s.deployTimeout
}

// prefix of serving resource names; names stay deterministic per endpoint.
func (s *ServingConfig) NamePrefix() string {
	return s.namePrefix
}

type IdempotencyConfig struct {
	ttl          time.Duration
	maxBodyBytes int
}

func (i *IdempotencyConfig) TTL() time.Duration {
	return i.ttl
}

func (i *IdempotencyConfig) MaxBodyBytes() int {
	return i.maxBodyBytes
}
