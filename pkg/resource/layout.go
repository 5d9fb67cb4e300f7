package resource

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/labmeta/pkg/filestore"
)

// On-disk metadata file names.
const (
	// CanonicalFile holds the current document in the canonical layout.
	CanonicalFile = "index.json"

	// PointerFile names the current snapshot in the legacy snapshot layout.
	PointerFile = "latest.txt"

	snapshotGlob   = "index-*.json"
	snapshotLayout = "20060102T150405"
)

var snapshotRe = regexp.MustCompile(`^index-(\d{8}T\d{6})(\d{6})Z\.json$`)

// Layout is the on-disk metadata generation of a resource directory.
type Layout int

const (
	// LayoutEmpty means no metadata file exists yet.
	LayoutEmpty Layout = iota

	// LayoutCanonical is a single index.json overwritten in place.
	LayoutCanonical

	// LayoutSnapshot is immutable index-<timestamp>.json files plus latest.txt.
	LayoutSnapshot
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutCanonical:
		return "canonical"
	case LayoutSnapshot:
		return "snapshot"
	default:
		return "empty"
	}
}

// SnapshotName returns the snapshot file name for t:
// index-YYYYMMDDThhmmssffffffZ.json (UTC, microsecond precision).
func SnapshotName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("index-%s%06dZ.json", t.Format(snapshotLayout), t.Nanosecond()/int(time.Microsecond))
}

// ParseSnapshotName extracts the timestamp from a snapshot file name.
func ParseSnapshotName(name string) (time.Time, bool) {
	m := snapshotRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	base, err := time.ParseInLocation(snapshotLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	micros, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false
	}
	return base.Add(time.Duration(micros) * time.Microsecond), true
}

// isSnapshotFile reports whether name looks like a snapshot file, parsable
// timestamp or not.
func isSnapshotFile(name string) bool {
	ok, err := doublestar.Match(snapshotGlob, name)
	return err == nil && ok
}

// dirState is what a directory listing says about metadata generations.
type dirState struct {
	hasCanonical bool
	hasPointer   bool
	snapshots    []string
}

func scanEntries(entries []filestore.Entry) dirState {
	var st dirState
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		switch {
		case e.Name == CanonicalFile:
			st.hasCanonical = true
		case e.Name == PointerFile:
			st.hasPointer = true
		case isSnapshotFile(e.Name):
			st.snapshots = append(st.snapshots, e.Name)
		}
	}
	return st
}

func (st dirState) layout() Layout {
	switch {
	case st.hasPointer || len(st.snapshots) > 0:
		return LayoutSnapshot
	case st.hasCanonical:
		return LayoutCanonical
	default:
		return LayoutEmpty
	}
}

// migrationPlan is the pure part of Snapshot -> Canonical migration.
type migrationPlan struct {
	// candidates are snapshot files to try as the source document, best first.
	candidates []string

	// newestFirst is every snapshot file ordered by timestamp.
	newestFirst []string

	hasPointer bool
}

// planMigration orders snapshot files for migration. pointer is the trimmed
// content of latest.txt ("" when absent). A pointer naming an existing
// snapshot wins; otherwise snapshots are ranked by their parsed timestamp,
// and names without a parsable timestamp are ranked last.
func planMigration(st dirState, pointer string) migrationPlan {
	byAge := append([]string(nil), st.snapshots...)
	sort.SliceStable(byAge, func(i, j int) bool {
		ti, okI := ParseSnapshotName(byAge[i])
		tj, okJ := ParseSnapshotName(byAge[j])
		switch {
		case okI && okJ:
			if ti.Equal(tj) {
				return byAge[i] > byAge[j]
			}
			return ti.After(tj)
		case okI != okJ:
			return okI
		default:
			return byAge[i] > byAge[j]
		}
	})

	plan := migrationPlan{newestFirst: byAge, hasPointer: st.hasPointer}
	pointer = strings.TrimSpace(pointer)
	for _, name := range byAge {
		if name == pointer {
			plan.candidates = append(plan.candidates, name)
			break
		}
	}
	for _, name := range byAge {
		if name != pointer {
			plan.candidates = append(plan.candidates, name)
		}
	}
	return plan
}

// removals lists the files to delete once index.json holds chosen. Older
// snapshots go first, chosen after them, and the pointer last, so cleanup
// interrupted at any point never promotes a stale snapshot on the next run.
func (p migrationPlan) removals(chosen string) []string {
	out := make([]string, 0, len(p.newestFirst)+1)
	for i := len(p.newestFirst) - 1; i >= 0; i-- {
		if p.newestFirst[i] != chosen {
			out = append(out, p.newestFirst[i])
		}
	}
	if chosen != "" {
		out = append(out, chosen)
	}
	if p.hasPointer {
		out = append(out, PointerFile)
	}
	return out
}
