package zfs

import (
	"path/filepath"
	"strings"
)

const (
	streamSeparatorEscape = "%%"
	streamExt             = ".zfs"
)

// SplitSnapshot splits "<dataset>@<name>". ok is false when there is no '@'.
func SplitSnapshot(snapshot string) (dataset, name string, ok bool) {
	idx := strings.LastIndex(snapshot, "@")
	if idx <= 0 || idx == len(snapshot)-1 {
		return "", "", false
	}
	return snapshot[:idx], snapshot[idx+1:], true
}

// StreamFileName is the backup file name a snapshot is sent to.
func StreamFileName(snapshot string) string {
	return strings.ReplaceAll(snapshot, "/", streamSeparatorEscape) + streamExt
}

// SnapshotFromStreamFile reverses StreamFileName. ok is false when path does
// not look like a stream file.
func SnapshotFromStreamFile(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, streamExt) {
		return "", false
	}
	snapshot := strings.ReplaceAll(strings.TrimSuffix(base, streamExt), streamSeparatorEscape, "/")
	if _, _, ok := SplitSnapshot(snapshot); !ok {
		return "", false
	}
	return snapshot, true
}

// IsUnder reports whether dataset equals root or is one of its descendants.
func IsUnder(dataset, root string) bool {
	return dataset == root || strings.HasPrefix(dataset, root+"/")
}
