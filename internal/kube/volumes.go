package kube

import (
	"context"
	"fmt"
	"os"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const poolAttribute = "openebs.io/poolname"

// Volume describes one bound persistent volume claim.
type Volume struct {
	PVName    string
	PVCName   string
	Namespace string
	App       string
	Pool      string
	// Dataset is <pool>/<pv>, or empty when the PV is not a ZFS CSI volume.
	Dataset string
	CNPG    bool
}

// VolumeIndex maps PV names to their claims.
type VolumeIndex struct {
	volumes map[string]Volume
}

// IndexVolumes lists every PVC and PV once.
func (c *Client) IndexVolumes(ctx context.Context) (*VolumeIndex, error) {
	pvcs, err := c.core.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list persistent volume claims: %w", err)
	}
	pvList, err := c.core.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list persistent volumes: %w", err)
	}
	pvs := make(map[string]corev1.PersistentVolume, len(pvList.Items))
	for _, pv := range pvList.Items {
		pvs[pv.Name] = pv
	}

	idx := &VolumeIndex{volumes: make(map[string]Volume, len(pvcs.Items))}
	for _, pvc := range pvcs.Items {
		name := pvc.Spec.VolumeName
		if name == "" {
			continue
		}
		v := Volume{
			PVName:    name,
			PVCName:   pvc.Name,
			Namespace: pvc.Namespace,
			App:       pvc.Labels["release"],
		}
		for _, owner := range pvc.OwnerReferences {
			if owner.Kind == "Cluster" {
				v.CNPG = true
			}
		}
		if pv, ok := pvs[name]; ok && pv.Spec.CSI != nil {
			v.Pool = pv.Spec.CSI.VolumeAttributes[poolAttribute]
			if v.Pool != "" {
				v.Dataset = v.Pool + "/" + name
			}
		}
		idx.volumes[name] = v
	}
	c.logger.Debug().Int("volumes", len(idx.volumes)).Msg("Indexed persistent volumes")
	return idx, nil
}

// ForNamespace returns the volumes claimed in ns sorted by PV name.
func (i *VolumeIndex) ForNamespace(ns string) []Volume {
	var out []Volume
	for _, v := range i.volumes {
		if v.Namespace == ns {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].PVName < out[b].PVName })
	return out
}

// Lookup returns the volume bound to the named PV.
func (i *VolumeIndex) Lookup(pv string) (Volume, bool) {
	v, ok := i.volumes[pv]
	return v, ok
}

// NewVolumeIndex builds an index from already known volumes.
func NewVolumeIndex(volumes ...Volume) *VolumeIndex {
	idx := &VolumeIndex{volumes: make(map[string]Volume, len(volumes))}
	for _, v := range volumes {
		idx.volumes[v.PVName] = v
	}
	return idx
}

// VolumeDatasetFromFile reads a captured persistent volume and returns the
// dataset backing it: <poolname attribute>/<volume handle>.
func VolumeDatasetFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var pv struct {
		Spec struct {
			CSI struct {
				VolumeHandle     string            `json:"volumeHandle"`
				VolumeAttributes map[string]string `json:"volumeAttributes"`
			} `json:"csi"`
		} `json:"spec"`
	}
	if err := yaml.Unmarshal(data, &pv); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	pool := pv.Spec.CSI.VolumeAttributes[poolAttribute]
	if pool == "" || pv.Spec.CSI.VolumeHandle == "" {
		return "", fmt.Errorf("%s has no zfs pool or volume handle", path)
	}
	return pool + "/" + pv.Spec.CSI.VolumeHandle, nil
}
