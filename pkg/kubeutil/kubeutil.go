package kubeutil

import (
	"os"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// RestConfig detects the k8s connection config.
//
// It searches kubeconfig from
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// When no files are found from above, it tries to use in-cluster config.
func RestConfig() (*rest.Config, error) {
	kubeconfig := ""

	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}

	if k := os.Getenv("KUBECONFIG"); k != "" {
		kubeconfig = k
	}

	if kubeconfig != "" {
		stat, err := os.Stat(kubeconfig)
		if os.IsNotExist(err) || (err == nil && stat.IsDir()) {
			kubeconfig = ""
		}
	}

	if kubeconfig == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// ConnectToK8s builds a typed clientset, or fails.
func ConnectToK8s() (*kubernetes.Clientset, error) {
	config, err := RestConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

// ConnectDynamic builds a dynamic client for CRDs (e.g. InferenceService).
func ConnectDynamic() (dynamic.Interface, error) {
	config, err := RestConfig()
	if err != nil {
		return nil, err
	}
	return dynamic.NewForConfig(config)
}
