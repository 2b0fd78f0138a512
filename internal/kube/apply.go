package kube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"sigs.k8s.io/yaml"
)

const lastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

type resourceInfo struct {
	resource   string
	namespaced bool
}

var knownResources = map[schema.GroupKind]resourceInfo{
	{Group: "", Kind: "Namespace"}:                                   {"namespaces", false},
	{Group: "", Kind: "Secret"}:                                      {"secrets", true},
	{Group: "", Kind: "ConfigMap"}:                                   {"configmaps", true},
	{Group: "", Kind: "PersistentVolume"}:                            {"persistentvolumes", false},
	{Group: "", Kind: "PersistentVolumeClaim"}:                       {"persistentvolumeclaims", true},
	{Group: "zfs.openebs.io", Kind: "ZFSVolume"}:                     {"zfsvolumes", true},
	{Group: "apiextensions.k8s.io", Kind: "CustomResourceDefinition"}: {"customresourcedefinitions", false},
}

// ApplyFile applies every object in a manifest file. With clean set the
// manifest goes through Clean first.
func (c *Client) ApplyFile(ctx context.Context, path string, clean bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if clean {
		if data, err = Clean(data); err != nil {
			return fmt.Errorf("clean %s: %w", filepath.Base(path), err)
		}
	}
	if err := c.Apply(ctx, data); err != nil {
		return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Apply creates or updates every object in a (possibly multi-document)
// manifest. List objects apply their items.
func (c *Client) Apply(ctx context.Context, manifest []byte) error {
	objects, err := decodeManifest(manifest)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("manifest has no objects")
	}
	var errs []error
	for _, obj := range objects {
		if err := c.applyObject(ctx, obj); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplySecretFile applies a captured secret after dropping its server
// identity and recording the body as the last applied configuration.
func (c *Client) ApplySecretFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var body map[string]any
	if err := yaml.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	u := &unstructured.Unstructured{Object: body}
	unstructured.RemoveNestedField(u.Object, "metadata", "resourceVersion")
	unstructured.RemoveNestedField(u.Object, "metadata", "uid")

	applied, err := json.Marshal(u.Object)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	annotations := u.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[lastAppliedAnnotation] = string(applied)
	u.SetAnnotations(annotations)

	if err := c.applyObject(ctx, u); err != nil {
		return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (c *Client) applyObject(ctx context.Context, u *unstructured.Unstructured) error {
	if u.IsList() {
		return u.EachListItem(func(obj runtime.Object) error {
			item, ok := obj.(*unstructured.Unstructured)
			if !ok {
				return fmt.Errorf("unexpected list item %T", obj)
			}
			return c.applyObject(ctx, item)
		})
	}

	gvk := u.GroupVersionKind()
	if gvk.Kind == "" || u.GetName() == "" {
		return fmt.Errorf("object is missing kind or name")
	}
	info, ok := knownResources[gvk.GroupKind()]
	if !ok {
		info = resourceInfo{resource: strings.ToLower(gvk.Kind) + "s", namespaced: u.GetNamespace() != ""}
	}
	gvr := gvk.GroupVersion().WithResource(info.resource)

	var client dynamic.ResourceInterface = c.dynamic.Resource(gvr)
	if info.namespaced {
		ns := u.GetNamespace()
		if ns == "" {
			ns = metav1.NamespaceDefault
		}
		client = c.dynamic.Resource(gvr).Namespace(ns)
	}

	existing, err := client.Get(ctx, u.GetName(), metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := client.Create(ctx, u, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create %s %s: %w", gvk.Kind, u.GetName(), err)
		}
		c.logger.Debug().Str("kind", gvk.Kind).Str("name", u.GetName()).Msg("Created object")
	case err != nil:
		return fmt.Errorf("get %s %s: %w", gvk.Kind, u.GetName(), err)
	default:
		u.SetResourceVersion(existing.GetResourceVersion())
		if _, err := client.Update(ctx, u, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("update %s %s: %w", gvk.Kind, u.GetName(), err)
		}
		c.logger.Debug().Str("kind", gvk.Kind).Str("name", u.GetName()).Msg("Updated object")
	}
	return nil
}

func decodeManifest(manifest []byte) ([]*unstructured.Unstructured, error) {
	dec := yamlv3.NewDecoder(bytes.NewReader(manifest))
	var out []*unstructured.Unstructured
	for {
		var node yamlv3.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		doc, err := yamlv3.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("re-encode manifest document: %w", err)
		}
		raw, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("convert manifest document: %w", err)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		u := &unstructured.Unstructured{}
		if err := u.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decode manifest document: %w", err)
		}
		out = append(out, u)
	}
}
