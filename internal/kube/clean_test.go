package kube

import (
	"strings"
	"testing"
)

func TestCleanPersistentVolume(t *testing.T) {
	input := `apiVersion: v1
kind: PersistentVolume
metadata:
  name: pvc-123
  uid: abc
  resourceVersion: "77"
  creationTimestamp: "2024-01-01T00:00:00Z"
  labels:
    kubernetes.io/nodename: ix-truenas
  annotations: {}
spec:
  nodeAffinity:
    required: {}
  csi:
    driver: zfs.csi.openebs.io
    volumeHandle: pvc-123
    volumeAttributes:
      openebs.io/poolname: tank/ix-applications/releases/app/volumes
      storage.kubernetes.io/csiProvisionerIdentity: 1700000000-zfs
  claimRef:
    name: data
status:
  phase: Bound
`
	out, err := Clean([]byte(input))
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	got := string(out)

	for _, gone := range []string{"uid", "resourceVersion", "creationTimestamp", "status", "nodeAffinity", "kubernetes.io/nodename", "csiProvisionerIdentity", "annotations", "labels"} {
		if strings.Contains(got, gone) {
			t.Errorf("expected %q to be removed:\n%s", gone, got)
		}
	}
	for _, kept := range []string{"volumeHandle: pvc-123", "openebs.io/poolname: tank/ix-applications/releases/app/volumes", "claimRef:"} {
		if !strings.Contains(got, kept) {
			t.Errorf("expected %q to be kept:\n%s", kept, got)
		}
	}
	if strings.Index(got, "apiVersion") > strings.Index(got, "kind") || strings.Index(got, "csi:") > strings.Index(got, "claimRef:") {
		t.Errorf("key order not preserved:\n%s", got)
	}
}

func TestCleanFiltersCNPGItems(t *testing.T) {
	input := `apiVersion: v1
kind: List
items:
- metadata:
    name: app-data
- metadata:
    name: app-cnpg-main-1
- metadata:
    name: owned
    ownerReferences:
    - kind: Cluster
      name: app-cnpg-main
- metadata:
    name: other-owner
    ownerReferences:
    - kind: StatefulSet
      name: app
`
	out, err := Clean([]byte(input))
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	got := string(out)
	if strings.Contains(got, "app-cnpg-main-1") || strings.Contains(got, "name: owned") {
		t.Fatalf("CNPG items not filtered:\n%s", got)
	}
	if !strings.Contains(got, "app-data") || !strings.Contains(got, "other-owner") {
		t.Fatalf("unrelated items dropped:\n%s", got)
	}
}

func TestCleanRemovesNestedEmptyContainers(t *testing.T) {
	out, err := Clean([]byte("kind: X\nspec:\n  a:\n    b: {}\n  list: [{}, []]\n  keep: 1\n"))
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	got := string(out)
	if strings.Contains(got, "a:") || strings.Contains(got, "list") {
		t.Fatalf("empty containers left behind:\n%s", got)
	}
	if !strings.Contains(got, "keep: 1") {
		t.Fatalf("scalar dropped:\n%s", got)
	}
}

func TestCleanRejectsEmpty(t *testing.T) {
	if _, err := Clean(nil); err == nil {
		t.Fatal("expected error for empty manifest")
	}
	if _, err := Clean([]byte("a: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
