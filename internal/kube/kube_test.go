package kube

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

var namespaceGVR = schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}

func newTestClient(coreObjs []runtime.Object, dynObjs ...runtime.Object) *Client {
	c := NewForClients(fake.NewSimpleClientset(coreObjs...), dynamicfake.NewSimpleDynamicClient(runtime.NewScheme(), dynObjs...), nil, zerolog.Nop())
	c.podPollInterval = time.Millisecond
	c.podTimeout = 200 * time.Millisecond
	return c
}

func TestCaptureSecretsFiltersAndSorts(t *testing.T) {
	ns := Namespace("nextcloud")
	secrets := []runtime.Object{
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "z-opaque", Namespace: ns}, Type: corev1.SecretTypeOpaque, Data: map[string][]byte{"k": []byte("v")}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "a-release", Namespace: ns}, Type: "helm.sh/release.v1", Data: map[string][]byte{"release": []byte("x")}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "empty", Namespace: ns}, Type: corev1.SecretTypeOpaque},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "tls", Namespace: ns}, Type: corev1.SecretTypeTLS, Data: map[string][]byte{"tls.crt": []byte("c")}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "cnpg-owned", Namespace: ns, OwnerReferences: []metav1.OwnerReference{{APIVersion: cnpgAPIVersion, Kind: "Cluster", Name: "db"}}}, Type: corev1.SecretTypeOpaque, Data: map[string][]byte{"k": []byte("v")}},
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "elsewhere", Namespace: "ix-other"}, Type: corev1.SecretTypeOpaque, Data: map[string][]byte{"k": []byte("v")}},
	}
	c := newTestClient(secrets)

	got, err := c.CaptureSecrets(context.Background(), "nextcloud")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-release", got[0].Name)
	assert.Equal(t, "z-opaque", got[1].Name)
	assert.Contains(t, string(got[1].Data), "kind: Secret")
	assert.Contains(t, string(got[1].Data), "k: dg==")
}

func TestCaptureNamespace(t *testing.T) {
	c := newTestClient([]runtime.Object{&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   "ix-grafana",
		UID:    "u-1",
		Labels: map[string]string{"app": "grafana"},
	}}})

	data, err := c.CaptureNamespace(context.Background(), "grafana")
	require.NoError(t, err)
	got := string(data)
	assert.Contains(t, got, "kind: Namespace")
	assert.Contains(t, got, "name: ix-grafana")
	assert.NotContains(t, got, "uid")

	_, err = c.CaptureNamespace(context.Background(), "missing")
	assert.Error(t, err)
}

func TestIndexVolumes(t *testing.T) {
	pool := "tank/ix-applications/releases/app/volumes"
	objs := []runtime.Object{
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "ix-app", Labels: map[string]string{"release": "app"}},
			Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pvc-1"},
		},
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "app-cnpg-main-1", Namespace: "ix-app", OwnerReferences: []metav1.OwnerReference{{Kind: "Cluster", Name: "app-cnpg-main"}}},
			Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pvc-2"},
		},
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "pending", Namespace: "ix-app"},
		},
		&corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: "pvc-1"},
			Spec: corev1.PersistentVolumeSpec{PersistentVolumeSource: corev1.PersistentVolumeSource{CSI: &corev1.CSIPersistentVolumeSource{
				Driver: "zfs.csi.openebs.io", VolumeHandle: "pvc-1", VolumeAttributes: map[string]string{poolAttribute: pool},
			}}},
		},
	}
	c := newTestClient(objs)

	idx, err := c.IndexVolumes(context.Background())
	require.NoError(t, err)
	vols := idx.ForNamespace("ix-app")
	require.Len(t, vols, 2)
	assert.Equal(t, Volume{PVName: "pvc-1", PVCName: "data", Namespace: "ix-app", App: "app", Pool: pool, Dataset: pool + "/pvc-1"}, vols[0])
	assert.True(t, vols[1].CNPG)
	assert.Empty(t, vols[1].Dataset)

	_, ok := idx.Lookup("pvc-9")
	assert.False(t, ok)
}

func TestApplyCreatesThenUpdates(t *testing.T) {
	c := newTestClient(nil)
	ctx := context.Background()

	require.NoError(t, c.Apply(ctx, []byte("apiVersion: v1\nkind: Namespace\nmetadata:\n  name: ix-app\n  labels:\n    v: one\n")))
	require.NoError(t, c.Apply(ctx, []byte("apiVersion: v1\nkind: Namespace\nmetadata:\n  name: ix-app\n  labels:\n    v: two\n")))

	got, err := c.dynamic.Resource(namespaceGVR).Get(ctx, "ix-app", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "two", got.GetLabels()["v"])
}

func TestApplyMultiDocumentAndList(t *testing.T) {
	c := newTestClient(nil)
	ctx := context.Background()
	manifest := `apiVersion: v1
kind: Namespace
metadata:
  name: one
---
apiVersion: v1
kind: List
items:
- apiVersion: v1
  kind: Namespace
  metadata:
    name: two
`
	require.NoError(t, c.Apply(ctx, []byte(manifest)))
	for _, name := range []string{"one", "two"} {
		_, err := c.dynamic.Resource(namespaceGVR).Get(ctx, name, metav1.GetOptions{})
		assert.NoError(t, err, name)
	}
	assert.Error(t, c.Apply(ctx, []byte("---\n")))
}

func TestApplySecretFileRecordsLastApplied(t *testing.T) {
	c := newTestClient(nil)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`apiVersion: v1
kind: Secret
metadata:
  name: creds
  namespace: ix-app
  uid: old-uid
  resourceVersion: "12"
type: Opaque
data:
  password: c2VjcmV0
`), 0o600))

	require.NoError(t, c.ApplySecretFile(ctx, path))
	secretGVR := schema.GroupVersionResource{Version: "v1", Resource: "secrets"}
	got, err := c.dynamic.Resource(secretGVR).Namespace("ix-app").Get(ctx, "creds", metav1.GetOptions{})
	require.NoError(t, err)
	applied := got.GetAnnotations()[lastAppliedAnnotation]
	assert.Contains(t, applied, `"password":"c2VjcmV0"`)
	assert.NotContains(t, applied, "old-uid")
	assert.NotEqual(t, "old-uid", string(got.GetUID()))
}

func TestCaptureZFSVolume(t *testing.T) {
	vol := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "zfs.openebs.io/v1",
		"kind":       "ZFSVolume",
		"metadata":   map[string]any{"name": "pvc-1", "namespace": ZFSVolumeNamespace, "resourceVersion": "5"},
		"spec":       map[string]any{"poolName": "tank/ix-applications/releases/app/volumes", "capacity": "1073741824"},
		"status":     map[string]any{"state": "Ready"},
	}}
	c := newTestClient(nil, vol)

	data, err := c.CaptureZFSVolume(context.Background(), "pvc-1")
	require.NoError(t, err)
	got := string(data)
	assert.Contains(t, got, "poolName: tank/ix-applications/releases/app/volumes")
	assert.NotContains(t, got, "status")
	assert.NotContains(t, got, "resourceVersion")
}

func TestWaitForPrimaryPod(t *testing.T) {
	pods := []runtime.Object{
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "db-2", Namespace: "ix-app", Labels: map[string]string{"role": "primary"}}, Status: corev1.PodStatus{Phase: corev1.PodPending}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "db-1", Namespace: "ix-app", Labels: map[string]string{"role": "primary"}}, Status: corev1.PodStatus{Phase: corev1.PodRunning}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "db-0", Namespace: "ix-app", Labels: map[string]string{"role": "replica"}}, Status: corev1.PodStatus{Phase: corev1.PodRunning}},
	}
	c := newTestClient(pods)

	name, err := c.WaitForPrimaryPod(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, "db-1", name)

	_, err = c.WaitForPrimaryPod(context.Background(), "none")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no running primary"))
}

func TestSecretValue(t *testing.T) {
	c := newTestClient([]runtime.Object{&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "app-cnpg-main-urls", Namespace: "ix-app"},
		Data:       map[string][]byte{"std": []byte("postgresql://app:pw@host:5432/appdb")},
	}})

	v, err := c.SecretValue(context.Background(), "ix-app", "app-cnpg-main-urls", "std")
	require.NoError(t, err)
	assert.Equal(t, "postgresql://app:pw@host:5432/appdb", v)

	_, err = c.SecretValue(context.Background(), "ix-app", "app-cnpg-main-urls", "missing")
	assert.Error(t, err)
}

func TestVolumeDatasetFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config-pv.yaml")
	manifest := `apiVersion: v1
kind: PersistentVolume
metadata:
  name: pvc-1234
spec:
  csi:
    driver: zfs.csi.openebs.io
    volumeAttributes:
      openebs.io/poolname: tank/ix-applications/releases/plex/volumes
    volumeHandle: pvc-1234
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	ds, err := VolumeDatasetFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tank/ix-applications/releases/plex/volumes/pvc-1234", ds)

	bad := filepath.Join(dir, "bad-pv.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("kind: PersistentVolume\n"), 0o644))
	_, err = VolumeDatasetFromFile(bad)
	assert.Error(t, err)

	idx := NewVolumeIndex(Volume{PVName: "pvc-1234", Namespace: "ix-plex"})
	assert.Len(t, idx.ForNamespace("ix-plex"), 1)
}
