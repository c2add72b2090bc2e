// Package worker synthesizes the ephemeral compute units which run the
// executor binary, one per dispatched job.
//
// A unit is a k8s batch/v1 Job: no retries at the pod level (the scheduler's
// orphan reclaim owns retry policy), a TTL for auto-cleanup, and a GPU
// resource request matching the job's pool.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	cfg "github.com/opst/gpuplane/pkg/configs/cluster"
	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/opst/gpuplane/pkg/utils/pointer"
)

var nonDNS = regexp.MustCompile(`[^a-z0-9-]+`)

// Name derives the deterministic, DNS-1123-safe unit name of one dispatch
// attempt. Including the token keeps retried attempts distinct.
func Name(jobId string, dispatchToken string) string {
	name := fmt.Sprintf("gpu-exec-%.8s-%.8s", jobId, dispatchToken)
	name = nonDNS.ReplaceAllString(name, "-")
	if 63 < len(name) {
		name = name[:63]
	}
	return name
}

type Spec struct {
	JobId         string
	DispatchToken string
	Pool          kdb.GpuPool
	Isolation     kdb.IsolationLevel
}

type Builder struct {
	Namespace string
	Image     string

	// extended resource name, e.g. "nvidia.com/gpu" or a MIG profile resource.
	ResourceName  string
	ResourceCount int

	NodeSelector map[string]string

	Database    string
	Bus         string
	Executor    cfg.ExecutorKind
	HttpTimeout time.Duration
	JobTTL      time.Duration
}

func (b Builder) Build(spec Spec) *kubebatch.Job {
	count := b.ResourceCount
	if count <= 0 {
		count = 1
	}
	quantity := resource.MustParse(strconv.Itoa(count))

	env := []kubecore.EnvVar{
		{Name: "STORE_URL", Value: b.Database},
		{Name: "BUS_URL", Value: b.Bus},
		{Name: "GPU_EXECUTOR", Value: string(b.Executor)},
		{Name: "HTTP_TIMEOUT_SECONDS", Value: strconv.Itoa(int(b.HttpTimeout.Seconds()))},
		{Name: "JOB_ID", Value: spec.JobId},
		{Name: "DISPATCH_TOKEN", Value: spec.DispatchToken},
	}

	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      Name(spec.JobId, spec.DispatchToken),
			Namespace: b.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/name":      "gpuplane-executor",
				"gpuplane.opst.dev/job-id":    spec.JobId,
				"gpuplane.opst.dev/gpu-pool":  string(spec.Pool),
				"gpuplane.opst.dev/isolation": string(spec.Isolation),
			},
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit:            pointer.Ref(int32(0)),
			TTLSecondsAfterFinished: pointer.Ref(int32(b.JobTTL.Seconds())),
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{
					Labels: map[string]string{
						"app.kubernetes.io/name":   "gpuplane-executor",
						"gpuplane.opst.dev/job-id": spec.JobId,
					},
				},
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					NodeSelector:  b.NodeSelector,
					Containers: []kubecore.Container{
						{
							Name:            "executor",
							Image:           b.Image,
							ImagePullPolicy: kubecore.PullIfNotPresent,
							Command:         []string{"/executor"},
							Env:             env,
							Resources: kubecore.ResourceRequirements{
								Requests: kubecore.ResourceList{
									kubecore.ResourceName(b.ResourceName): quantity,
								},
								Limits: kubecore.ResourceList{
									kubecore.ResourceName(b.ResourceName): quantity,
								},
							},
						},
					},
				},
			},
		},
	}
}

// Launcher submits units to the orchestration plane.
type Launcher interface {
	Launch(ctx context.Context, job *kubebatch.Job) error
}

type k8sLauncher struct {
	clientset kubernetes.Interface
}

func NewLauncher(clientset kubernetes.Interface) Launcher {
	return &k8sLauncher{clientset: clientset}
}

func (l *k8sLauncher) Launch(ctx context.Context, job *kubebatch.Job) error {
	_, err := l.clientset.BatchV1().
		Jobs(job.Namespace).
		Create(ctx, job, kubeapimeta.CreateOptions{})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			// redelivered dispatch event. the unit is already there.
			return nil
		}
		return xe.Wrap(err)
	}
	return nil
}
