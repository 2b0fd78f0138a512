package backup

import (
	"regexp"
	"strings"
	"time"
)

const (
	// FullPrefix starts the dataset name of every full backup.
	FullPrefix = "HeavyScript--"
	// ExportPrefix starts the directory name of every export.
	ExportPrefix = "Export--"
	// TimeLayout is the timestamp embedded in backup names, in UTC.
	TimeLayout = "2006-01-02_15:04:05"
)

var fullNamePattern = regexp.MustCompile(`HeavyScript--\d{4}-\d{2}-\d{2}_\d{2}:\d{2}:\d{2}`)

// NewFullName returns the name of a full backup taken at t.
func NewFullName(t time.Time) string {
	return FullPrefix + t.UTC().Format(TimeLayout)
}

// NewExportName returns the name of an export taken at t.
func NewExportName(t time.Time) string {
	return ExportPrefix + t.UTC().Format(TimeLayout)
}

// ParseName returns the creation time embedded in a full backup or export
// name.
func ParseName(name string) (time.Time, Kind, bool) {
	for prefix, kind := range map[string]Kind{FullPrefix: KindFull, ExportPrefix: KindExport} {
		if stamp, ok := strings.CutPrefix(name, prefix); ok {
			t, err := time.ParseInLocation(TimeLayout, stamp, time.UTC)
			if err != nil {
				return time.Time{}, "", false
			}
			return t, kind, true
		}
	}
	return time.Time{}, "", false
}

// backupNameIn extracts the full backup name a snapshot refers to.
func backupNameIn(snapshot string) (string, bool) {
	m := fullNamePattern.FindString(snapshot)
	return m, m != ""
}
