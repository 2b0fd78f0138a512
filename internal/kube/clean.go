package kube

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var globalRemovals = map[string]struct{}{
	"uid":               {},
	"resourceVersion":   {},
	"creationTimestamp": {},
	"status":            {},
}

var staticRemovals = [][]string{
	{"spec", "nodeAffinity"},
	{"metadata", "labels", "kubernetes.io/nodename"},
	{"spec", "csi", "volumeAttributes", "storage.kubernetes.io/csiProvisionerIdentity"},
}

// Clean strips cluster-assigned and node-bound fields from a manifest and
// drops CNPG-managed list items. Key order is preserved.
func Clean(manifest []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(manifest, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty manifest")
	}
	root := doc.Content[0]

	removeGlobals(root)
	removeStatics(root, nil)
	filterCNPGItems(root)
	pruneEmpty(root)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func removeGlobals(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode:
		kept := n.Content[:0]
		for i := 0; i+1 < len(n.Content); i += 2 {
			if _, drop := globalRemovals[n.Content[i].Value]; drop {
				continue
			}
			kept = append(kept, n.Content[i], n.Content[i+1])
		}
		n.Content = kept
		for i := 1; i < len(n.Content); i += 2 {
			removeGlobals(n.Content[i])
		}
	case yaml.SequenceNode:
		for _, item := range n.Content {
			removeGlobals(item)
		}
	}
}

// removeStatics walks mappings by key path; sequences pass the path through
// unchanged so List items match the same paths as single objects.
func removeStatics(n *yaml.Node, path []string) {
	switch n.Kind {
	case yaml.MappingNode:
		kept := n.Content[:0]
		for i := 0; i+1 < len(n.Content); i += 2 {
			next := append(append([]string(nil), path...), n.Content[i].Value)
			if matchesStatic(next) {
				continue
			}
			removeStatics(n.Content[i+1], next)
			kept = append(kept, n.Content[i], n.Content[i+1])
		}
		n.Content = kept
	case yaml.SequenceNode:
		for _, item := range n.Content {
			removeStatics(item, path)
		}
	}
}

func matchesStatic(path []string) bool {
	for _, static := range staticRemovals {
		if len(static) != len(path) {
			continue
		}
		match := true
		for i := range static {
			if static[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func filterCNPGItems(root *yaml.Node) {
	items := mapValue(root, "items")
	if items == nil || items.Kind != yaml.SequenceNode {
		return
	}
	kept := items.Content[:0]
	for _, item := range items.Content {
		if !cnpgManaged(item) {
			kept = append(kept, item)
		}
	}
	items.Content = kept
}

func cnpgManaged(item *yaml.Node) bool {
	meta := mapValue(item, "metadata")
	if name := mapValue(meta, "name"); name != nil && strings.Contains(name.Value, "-cnpg-main-") {
		return true
	}
	owners := mapValue(meta, "ownerReferences")
	if owners == nil || owners.Kind != yaml.SequenceNode {
		return false
	}
	for _, owner := range owners.Content {
		if kind := mapValue(owner, "kind"); kind != nil && kind.Value == "Cluster" {
			return true
		}
	}
	return false
}

// pruneEmpty removes empty mappings and sequences bottom-up, so a container
// that only held empty containers goes too.
func pruneEmpty(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode:
		kept := n.Content[:0]
		for i := 0; i+1 < len(n.Content); i += 2 {
			pruneEmpty(n.Content[i+1])
			if isEmptyContainer(n.Content[i+1]) {
				continue
			}
			kept = append(kept, n.Content[i], n.Content[i+1])
		}
		n.Content = kept
	case yaml.SequenceNode:
		kept := n.Content[:0]
		for _, item := range n.Content {
			pruneEmpty(item)
			if isEmptyContainer(item) || item.Tag == "!!null" {
				continue
			}
			kept = append(kept, item)
		}
		n.Content = kept
	}
}

func isEmptyContainer(n *yaml.Node) bool {
	return (n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode) && len(n.Content) == 0
}

func mapValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
