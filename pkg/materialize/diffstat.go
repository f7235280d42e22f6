package materialize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/engramhq/engram/pkg/store"
)

// FileStat is the per-file line delta extracted from a unified diff.
type FileStat struct {
	Path      string
	Additions int
	Deletions int
}

// ParseUnifiedDiff extracts per-file +/- counts from a unified diff. The
// parser is intentionally forgiving: unrecognized lines are ignored, and
// files appear in first-seen order.
func ParseUnifiedDiff(diff []byte) []FileStat {
	var stats []FileStat
	index := map[string]int{}

	current := -1
	record := func(path string) {
		path = strings.TrimPrefix(path, "a/")
		path = strings.TrimPrefix(path, "b/")
		if i, ok := index[path]; ok {
			current = i
			return
		}
		stats = append(stats, FileStat{Path: path})
		index[path] = len(stats) - 1
		current = len(stats) - 1
	}

	for _, line := range strings.Split(string(diff), "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			// "diff --git a/<old> b/<new>" keys on the new path.
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				record(fields[3])
			}
		case strings.HasPrefix(line, "Index: "):
			record(strings.TrimSpace(strings.TrimPrefix(line, "Index: ")))
		case strings.HasPrefix(line, "+++ "):
			// "+++ <path>\t(revision N)" in svn, "+++ b/<path>" in git.
			fields := strings.Fields(strings.TrimPrefix(line, "+++ "))
			if len(fields) > 0 && fields[0] != "/dev/null" {
				record(fields[0])
			}
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			if current >= 0 {
				stats[current].Additions++
			}
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			if current >= 0 {
				stats[current].Deletions++
			}
		}
	}
	return stats
}

// RenderDiffstat renders the per-file summary form of a diff. Output is
// byte-deterministic for a given input.
func RenderDiffstat(diff []byte) []byte {
	stats := ParseUnifiedDiff(diff)

	var b strings.Builder
	width := 0
	for _, s := range stats {
		if len(s.Path) > width {
			width = len(s.Path)
		}
	}
	adds, dels := 0, 0
	for _, s := range stats {
		adds += s.Additions
		dels += s.Deletions
		fmt.Fprintf(&b, " %-*s | %d %s%s\n", width, s.Path, s.Additions+s.Deletions,
			strings.Repeat("+", clampBar(s.Additions)), strings.Repeat("-", clampBar(s.Deletions)))
	}
	fmt.Fprintf(&b, " %d files changed, %d insertions(+), %d deletions(-)\n", len(stats), adds, dels)
	return []byte(b.String())
}

// clampBar keeps histogram bars readable on huge files.
func clampBar(n int) int {
	if n > 40 {
		return 40
	}
	return n
}

// SummaryFromDiff computes aggregate change stats from a raw diff, for
// sources that carry neither per-file stats nor a changed-path list.
func SummaryFromDiff(diff []byte) store.ChangeSummary {
	stats := ParseUnifiedDiff(diff)
	sum := store.ChangeSummary{FilesChanged: len(stats), DiffSizeBytes: int64(len(diff))}
	for _, s := range stats {
		sum.Additions += s.Additions
		sum.Deletions += s.Deletions
	}
	sum.TotalChanges = sum.Additions + sum.Deletions
	for _, s := range stats {
		sum.ChangedPaths = append(sum.ChangedPaths, s.Path)
	}
	return sum
}

// RenderMinistat renders the aggregate rollup form. Paths are emitted
// sorted so the output does not depend on fetch ordering.
func RenderMinistat(sum store.ChangeSummary) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "files_changed: %d\n", sum.FilesChanged)
	fmt.Fprintf(&b, "additions: %d\n", sum.Additions)
	fmt.Fprintf(&b, "deletions: %d\n", sum.Deletions)
	fmt.Fprintf(&b, "total_changes: %d\n", sum.TotalChanges)
	if len(sum.ChangedPaths) > 0 {
		paths := make([]string, len(sum.ChangedPaths))
		copy(paths, sum.ChangedPaths)
		sort.Strings(paths)
		b.WriteString("paths:\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "  %s\n", p)
		}
	}
	return []byte(b.String())
}
