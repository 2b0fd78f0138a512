package kube

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"
)

const cnpgAPIVersion = "postgresql.cnpg.io/v1"

// Manifest is one captured object.
type Manifest struct {
	Name string
	Data []byte
}

var capturedSecretTypes = map[corev1.SecretType]struct{}{
	"helm.sh/release.v1":   {},
	corev1.SecretTypeOpaque: {},
}

// CaptureNamespace returns the cleaned namespace object of app.
func (c *Client) CaptureNamespace(ctx context.Context, app string) ([]byte, error) {
	ns, err := c.core.CoreV1().Namespaces().Get(ctx, Namespace(app), metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get namespace %s: %w", Namespace(app), err)
	}
	ns.ManagedFields = nil
	return toCleanYAML(ns, "v1", "Namespace")
}

// CaptureSecrets returns the helm release and opaque secrets of app that
// carry data and are not owned by the CNPG operator, sorted by name.
func (c *Client) CaptureSecrets(ctx context.Context, app string) ([]Manifest, error) {
	list, err := c.core.CoreV1().Secrets(Namespace(app)).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list secrets in %s: %w", Namespace(app), err)
	}

	secrets := make([]corev1.Secret, 0, len(list.Items))
	for _, s := range list.Items {
		if _, ok := capturedSecretTypes[s.Type]; !ok || len(s.Data) == 0 || ownedByCNPG(s.OwnerReferences) {
			continue
		}
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Name < secrets[j].Name })

	out := make([]Manifest, 0, len(secrets))
	for i := range secrets {
		s := &secrets[i]
		s.ManagedFields = nil
		data, err := toCleanYAML(s, "v1", "Secret")
		if err != nil {
			return nil, fmt.Errorf("encode secret %s: %w", s.Name, err)
		}
		out = append(out, Manifest{Name: s.Name, Data: data})
	}
	c.logger.Debug().Str("app", app).Int("secrets", len(out)).Msg("Captured secrets")
	return out, nil
}

// CapturePersistentVolume returns the cleaned PV object.
func (c *Client) CapturePersistentVolume(ctx context.Context, name string) ([]byte, error) {
	pv, err := c.core.CoreV1().PersistentVolumes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get persistent volume %s: %w", name, err)
	}
	pv.ManagedFields = nil
	return toCleanYAML(pv, "v1", "PersistentVolume")
}

// CaptureZFSVolume returns the OpenEBS ZFSVolume backing the named PV.
func (c *Client) CaptureZFSVolume(ctx context.Context, name string) ([]byte, error) {
	obj, err := c.dynamic.Resource(zfsVolumeGVR).Namespace(ZFSVolumeNamespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get zfs volume %s: %w", name, err)
	}
	obj.SetManagedFields(nil)
	raw, err := yaml.Marshal(obj.Object)
	if err != nil {
		return nil, fmt.Errorf("encode zfs volume %s: %w", name, err)
	}
	return Clean(raw)
}

func ownedByCNPG(refs []metav1.OwnerReference) bool {
	for _, ref := range refs {
		if ref.APIVersion == cnpgAPIVersion {
			return true
		}
	}
	return false
}

func toCleanYAML(obj runtime.Object, apiVersion, kind string) ([]byte, error) {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	u["apiVersion"] = apiVersion
	u["kind"] = kind
	raw, err := yaml.Marshal(u)
	if err != nil {
		return nil, err
	}
	return Clean(raw)
}
