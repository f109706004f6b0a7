package cluster

import (
	"errors"
	"fmt"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadRESTConfig resolves API credentials the way kubectl does: an explicit
// kubeconfig path, then $KUBECONFIG and ~/.kube/config, optionally switching
// context. When no kubeconfig exists it falls back to the in-cluster service account.
func LoadRESTConfig(kubeconfig, context string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: context}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err == nil {
		return cfg, nil
	}
	if kubeconfig != "" || !clientcmd.IsEmptyConfig(err) {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	in, inErr := rest.InClusterConfig()
	if inErr != nil {
		return nil, errors.Join(fmt.Errorf("no kubeconfig found: %w", err), inErr)
	}
	return in, nil
}
