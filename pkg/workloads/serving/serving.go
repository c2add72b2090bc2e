// Package serving renders endpoint intents into KServe InferenceServices
// and watches them become ready.
package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	kdb "github.com/opst/gpuplane/pkg/db"
	xe "github.com/opst/gpuplane/pkg/errors"
	"k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
)

var InferenceServiceGVR = schema.GroupVersionResource{
	Group:    "serving.kserve.io",
	Version:  "v1beta1",
	Resource: "inferenceservices",
}

var nonDNS = regexp.MustCompile(`[^a-z0-9-]+`)

// ResourceName derives the deterministic, DNS-1123-safe resource name of an
// endpoint. Re-reconciles of the same intent hit the same resource.
func ResourceName(prefix string, endpointId string) string {
	name := fmt.Sprintf("%s-%.8s", prefix, endpointId)
	return nonDNS.ReplaceAllString(name, "-")
}

// runtimeConfig is the loosely-typed tail of an endpoint intent.
type runtimeConfig struct {
	ModelFormat        string                       `json:"modelFormat"`
	DeploymentMode     string                       `json:"deploymentMode"`
	ProtocolVersion    string                       `json:"protocolVersion"`
	RuntimeVersion     string                       `json:"runtimeVersion"`
	Timeout            *int                         `json:"timeout"`
	ServiceAccountName string                       `json:"serviceAccountName"`
	Gpu                bool                         `json:"gpu"`
	Resources          map[string]map[string]string `json:"resources"`
}

func parseRuntimeConfig(raw json.RawMessage) (runtimeConfig, error) {
	rc := runtimeConfig{}
	if len(raw) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(raw, &rc); err != nil {
		return runtimeConfig{}, fmt.Errorf("runtime_config is not an object: %w", err)
	}
	return rc, nil
}

const serverlessMode = "Serverless"

// Validate checks an intent before anything is upserted.
//
// Violations are terminal for the reconcile: the endpoint goes FAILED and no
// resource is touched.
func Validate(bundle kdb.EndpointBundle) error {
	rc, err := parseRuntimeConfig(bundle.RuntimeConfig)
	if err != nil {
		return err
	}

	canary := 0
	if bundle.Traffic.CanaryTrafficPercent != nil {
		canary = *bundle.Traffic.CanaryTrafficPercent
	}

	if canary < 0 || 100 < canary {
		return fmt.Errorf("canaryTrafficPercent must be within 0..100, got %d", canary)
	}

	if 0 < canary {
		// canary splits ride on revision traffic: serverless only.
		if rc.DeploymentMode != "" && rc.DeploymentMode != serverlessMode {
			return fmt.Errorf(
				"canary rollout requires deploymentMode %q, got %q",
				serverlessMode, rc.DeploymentMode,
			)
		}
	}

	if rc.ModelFormat == "triton" {
		if rc.ProtocolVersion != "" && rc.ProtocolVersion != "v2" {
			return fmt.Errorf(
				"modelFormat triton requires protocolVersion v2, got %q",
				rc.ProtocolVersion,
			)
		}
	}

	return nil
}

// BuildManifest renders the InferenceService of an intent.
//
// The same intent always yields the same manifest, so re-reconciles are
// idempotent.
func BuildManifest(bundle kdb.EndpointBundle, namespace string, namePrefix string) (*unstructured.Unstructured, error) {
	if err := Validate(bundle); err != nil {
		return nil, err
	}

	rc, err := parseRuntimeConfig(bundle.RuntimeConfig)
	if err != nil {
		return nil, err
	}

	canary := 0
	if bundle.Traffic.CanaryTrafficPercent != nil {
		canary = *bundle.Traffic.CanaryTrafficPercent
	}

	annotations := map[string]interface{}{}
	if 0 < canary {
		mode := rc.DeploymentMode
		if mode == "" {
			mode = serverlessMode
		}
		annotations["serving.kserve.io/deploymentMode"] = mode
	} else if rc.DeploymentMode != "" {
		annotations["serving.kserve.io/deploymentMode"] = rc.DeploymentMode
	}

	modelFormat := rc.ModelFormat
	if modelFormat == "" {
		modelFormat = "sklearn"
	}

	model := map[string]interface{}{
		"modelFormat": map[string]interface{}{"name": modelFormat},
	}
	if bundle.ArtifactUri != "" {
		model["storageUri"] = bundle.ArtifactUri
	}
	if modelFormat == "triton" {
		model["protocolVersion"] = "v2"
	} else if rc.ProtocolVersion != "" {
		model["protocolVersion"] = rc.ProtocolVersion
	}
	if rc.RuntimeVersion != "" {
		model["runtimeVersion"] = rc.RuntimeVersion
	}

	resources := map[string]interface{}{
		"requests": map[string]interface{}{"cpu": "250m", "memory": "512Mi"},
		"limits":   map[string]interface{}{"cpu": "1000m", "memory": "1Gi"},
	}
	if rc.Resources != nil {
		resources = map[string]interface{}{}
		for kind, values := range rc.Resources {
			entry := map[string]interface{}{}
			for name, quantity := range values {
				entry[name] = quantity
			}
			resources[kind] = entry
		}
	}
	if rc.Gpu {
		for _, kind := range []string{"requests", "limits"} {
			entry, ok := resources[kind].(map[string]interface{})
			if !ok {
				entry = map[string]interface{}{}
				resources[kind] = entry
			}
			entry["nvidia.com/gpu"] = "1"
		}
	}
	model["resources"] = resources

	predictor := map[string]interface{}{
		"model": model,
	}
	if bundle.Autoscaling.MinReplicas != nil {
		predictor["minReplicas"] = int64(*bundle.Autoscaling.MinReplicas)
	}
	if bundle.Autoscaling.MaxReplicas != nil {
		predictor["maxReplicas"] = int64(*bundle.Autoscaling.MaxReplicas)
	}
	if 0 < canary {
		predictor["canaryTrafficPercent"] = int64(canary)
	}
	if rc.Timeout != nil {
		predictor["timeout"] = int64(*rc.Timeout)
	}
	if rc.ServiceAccountName != "" {
		predictor["serviceAccountName"] = rc.ServiceAccountName
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": InferenceServiceGVR.Group + "/" + InferenceServiceGVR.Version,
			"kind":       "InferenceService",
			"metadata": map[string]interface{}{
				"name":      ResourceName(namePrefix, bundle.Id),
				"namespace": namespace,
				"labels": map[string]interface{}{
					"gpuplane.opst.dev/tenant-id":   bundle.TenantId,
					"gpuplane.opst.dev/project-id":  bundle.ProjectId,
					"gpuplane.opst.dev/endpoint-id": bundle.Id,
				},
				"annotations": annotations,
			},
			"spec": map[string]interface{}{
				"predictor": predictor,
			},
		},
	}, nil
}

// Reconciler drives serving resources in the orchestration plane.
type Reconciler interface {
	// Apply upserts the intent's resource and waits for it to report a URL
	// and Ready, bounded by timeout.
	Apply(ctx context.Context, bundle kdb.EndpointBundle, timeout time.Duration) (url string, err error)

	// Delete removes the intent's resource. Absence is fine.
	Delete(ctx context.Context, endpointId string) error
}

type k8sReconciler struct {
	client     dynamic.Interface
	namespace  string
	namePrefix string
}

func NewReconciler(client dynamic.Interface, namespace string, namePrefix string) Reconciler {
	return &k8sReconciler{client: client, namespace: namespace, namePrefix: namePrefix}
}

func (r *k8sReconciler) resources() dynamic.ResourceInterface {
	return r.client.Resource(InferenceServiceGVR).Namespace(r.namespace)
}

func (r *k8sReconciler) Apply(ctx context.Context, bundle kdb.EndpointBundle, timeout time.Duration) (string, error) {
	manifest, err := BuildManifest(bundle, r.namespace, r.namePrefix)
	if err != nil {
		return "", err
	}
	name := manifest.GetName()

	current, err := r.resources().Get(ctx, name, kubeapimeta.GetOptions{})
	switch {
	case err == nil:
		manifest.SetResourceVersion(current.GetResourceVersion())
		if _, err := r.resources().Update(ctx, manifest, kubeapimeta.UpdateOptions{}); err != nil {
			return "", xe.Wrap(err)
		}
	case errors.IsNotFound(err):
		if _, err := r.resources().Create(ctx, manifest, kubeapimeta.CreateOptions{}); err != nil {
			return "", xe.Wrap(err)
		}
	default:
		return "", xe.Wrap(err)
	}

	return r.waitReady(ctx, name, timeout)
}

func (r *k8sReconciler) waitReady(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		obj, err := r.resources().Get(ctx, name, kubeapimeta.GetOptions{})
		if err == nil {
			url, ready := readStatus(obj)
			if url != "" && ready {
				return url, nil
			}
		}

		timer := time.NewTimer(3 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	return "", fmt.Errorf("serving resource %s not ready within %s", name, timeout)
}

func readStatus(obj *unstructured.Unstructured) (url string, ready bool) {
	url, _, _ = unstructured.NestedString(obj.Object, "status", "url")

	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] == "Ready" && cond["status"] == "True" {
			ready = true
		}
	}
	return url, ready
}

func (r *k8sReconciler) Delete(ctx context.Context, endpointId string) error {
	name := ResourceName(r.namePrefix, endpointId)
	err := r.resources().Delete(ctx, name, kubeapimeta.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return xe.Wrap(err)
	}
	return nil
}
