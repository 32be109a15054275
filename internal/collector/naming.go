package collector

import (
	"fmt"
	"strings"
	"time"
)

const (
	// RunStampLayout names archives and entries (":" is not filename safe).
	RunStampLayout = "2006-01-02T15-04-05"
	// TargetStampLayout suffixes entries of historical runs and names ledgers.
	TargetStampLayout = "2006-01-02 15-04-05"
	// SentinelEntry records run provenance inside every archive.
	SentinelEntry = "StartDate.txt"
	// EntryExt is appended to every data entry.
	EntryExt = ".txt"
)

var entryNameReplacer = strings.NewReplacer("/", "_", "\\", "_")

// RunStamp formats a run start for file and entry names.
func RunStamp(t time.Time) string {
	return t.UTC().Format(RunStampLayout)
}

// TargetStamp formats a historical target time for entry names.
func TargetStamp(t time.Time) string {
	return t.UTC().Format(TargetStampLayout)
}

// SentinelContent is the body of SentinelEntry: the run start with an explicit offset.
func SentinelContent(start time.Time) string {
	return start.UTC().Format("2006-01-02T15:04:05-07:00")
}

// EntryName derives the archive entry for a job. The name depends only on its
// inputs, so reruns with the same start collide on purpose.
func EntryName(sourceID string, category Category, runStart time.Time, target *time.Time) string {
	name := fmt.Sprintf("%s_%s_%s", entryNameReplacer.Replace(sourceID), category, RunStamp(runStart))
	if target != nil {
		name += "_" + TargetStamp(*target)
	}
	return name + EntryExt
}
