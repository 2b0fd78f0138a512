package kube

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// ZFSVolumeNamespace is where the OpenEBS ZFS driver keeps its volumes.
	ZFSVolumeNamespace = "openebs"

	defaultPodPollInterval = 5 * time.Second
	defaultPodTimeout      = 300 * time.Second
)

var zfsVolumeGVR = schema.GroupVersionResource{Group: "zfs.openebs.io", Version: "v1", Resource: "zfsvolumes"}

// Config selects the cluster to talk to.
type Config struct {
	KubeconfigPath string
	KubeContext    string
	PodTimeout     time.Duration
}

// Client captures and applies the Kubernetes objects of chart releases.
type Client struct {
	core    kubernetes.Interface
	dynamic dynamic.Interface
	restCfg *rest.Config
	logger  zerolog.Logger

	podTimeout      time.Duration
	podPollInterval time.Duration
	exec            execFunc
}

// Namespace returns the namespace a release is installed into.
func Namespace(app string) string {
	return "ix-" + app
}

// New connects to the cluster described by cfg.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	restCfg, contextName, err := buildRESTConfig(cfg.KubeconfigPath, cfg.KubeContext)
	if err != nil {
		return nil, err
	}
	core, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	c := NewForClients(core, dyn, restCfg, logger)
	if cfg.PodTimeout > 0 {
		c.podTimeout = cfg.PodTimeout
	}
	c.logger.Debug().Str("server", restCfg.Host).Str("context", contextName).Msg("Kubernetes client initialized")
	return c, nil
}

// NewForClients wraps existing clients. restCfg may be nil when exec is not used.
func NewForClients(core kubernetes.Interface, dyn dynamic.Interface, restCfg *rest.Config, logger zerolog.Logger) *Client {
	c := &Client{
		core:            core,
		dynamic:         dyn,
		restCfg:         restCfg,
		logger:          logger.With().Str("component", "kube").Logger(),
		podTimeout:      defaultPodTimeout,
		podPollInterval: defaultPodPollInterval,
	}
	c.exec = c.spdyExec
	return c
}

// On a TrueNAS host k3s writes its kubeconfig here.
const k3sKubeconfig = "/etc/rancher/k3s/k3s.yaml"

func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, string, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	var loadingRules *clientcmd.ClientConfigLoadingRules
	if kubeconfigPath != "" {
		loadingRules = &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
	} else {
		loadingRules = clientcmd.NewDefaultClientConfigLoadingRules()
	}

	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	rawCfg, err := cc.RawConfig()
	if err != nil {
		return nil, "", fmt.Errorf("load kubeconfig: %w", err)
	}

	// No user kubeconfig: use the one k3s writes on the host.
	if kubeconfigPath == "" && len(rawCfg.Contexts) == 0 {
		cc = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: k3sKubeconfig}, overrides)
		if rawCfg, err = cc.RawConfig(); err != nil {
			return nil, "", fmt.Errorf("load k3s kubeconfig: %w", err)
		}
	}

	contextName := rawCfg.CurrentContext
	if kubeContext != "" {
		contextName = kubeContext
	}

	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("build kubeconfig rest config: %w", err)
	}
	return restCfg, contextName, nil
}
