package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// DefaultListLimit caps List results when Filter.Limit is zero.
const DefaultListLimit = 100

// Filter selects journal records. Empty fields match everything.
type Filter struct {
	Day       string
	Sender    string
	Direction Direction
	Limit     int
}

func (f Filter) matches(r Record) bool {
	if f.Day != "" && r.Day() != f.Day {
		return false
	}
	if f.Sender != "" && r.Sender != f.Sender {
		return false
	}
	if f.Direction != "" && r.Direction != f.Direction {
		return false
	}
	return true
}

// List returns the most recent records matching f, newest first.
func List(ctx context.Context, ds lode.Dataset, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, wrapStorageError("read", DatasetID, err)
	}

	var out []Record
	// Snapshots are ordered by creation time; walk newest first.
	for i := len(snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		snap := snapshots[i]
		if !snapshotMatches(snap, "day", f.Day) ||
			!snapshotMatches(snap, "sender", f.Sender) ||
			!snapshotMatches(snap, "direction", string(f.Direction)) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrapStorageError("read", fmt.Sprintf("%s/snapshot/%s", DatasetID, snap.ID), err)
		}

		// Manifest paths are a coarse pre-filter; record fields are authoritative.
		var batch []Record
		for _, item := range data {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r, ok := recordFromMap(row)
			if !ok || !f.matches(r) {
				continue
			}
			batch = append(batch, r)
		}
		sort.SliceStable(batch, func(a, b int) bool { return batch[a].Time.After(batch[b].Time) })
		out = append(out, batch...)
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// snapshotMatches checks whether any file in the snapshot lives under the
// key=value partition.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	if key == "sender" {
		value = partitionSender(value)
	}
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		for _, part := range strings.Split(f.Path, "/") {
			if part == segment {
				return true
			}
		}
	}
	return false
}
