package syncer

import (
	"testing"
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestComputeWindowFirstSync(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := config.SyncConfig{TimeWindowDays: 30, ForwardWindowSeconds: 86400, OverlapSeconds: 120}

	w := ComputeWindow(store.Cursor{}, cfg, now)
	assert.Equal(t, now.AddDate(0, 0, -30), w.Since)
	assert.Equal(t, now.AddDate(0, 0, -30).Add(24*time.Hour), w.Until)
}

func TestComputeWindowIncremental(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := config.SyncConfig{TimeWindowDays: 30, ForwardWindowSeconds: 3600, OverlapSeconds: 120}
	cur := store.Cursor{Mark: store.Watermark{TS: now.Add(-2 * time.Hour), SHA: "abc"}}

	w := ComputeWindow(cur, cfg, now)
	assert.Equal(t, now.Add(-2*time.Hour).Add(-120*time.Second), w.Since)
	assert.Equal(t, w.Since.Add(time.Hour), w.Until)
}

func TestComputeWindowCapsAtNow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := config.SyncConfig{ForwardWindowSeconds: 7 * 86400, OverlapSeconds: 60}
	cur := store.Cursor{Mark: store.Watermark{TS: now.Add(-10 * time.Minute), SHA: "abc"}}

	w := ComputeWindow(cur, cfg, now)
	assert.Equal(t, now, w.Until)
}

func TestWatermarkOrdering(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	// Rev-based marks ignore ts/sha.
	assert.True(t, store.Watermark{Rev: 10}.Less(store.Watermark{Rev: 11}))
	assert.False(t, store.Watermark{Rev: 11}.Less(store.Watermark{Rev: 11}))

	// (ts, sha) marks break same-second ties on sha bytes.
	a := store.Watermark{TS: t1, SHA: "aaa"}
	b := store.Watermark{TS: t1, SHA: "bbb"}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, a.Less(store.Watermark{TS: t1.Add(time.Second), SHA: "000"}))
}

func TestClassifyBulk(t *testing.T) {
	cfg := config.SyncConfig{
		GitTotalChangesThresh: 2000,
		GitFilesChangedThresh: 100,
		SvnChangedPathsThresh: 100,
		DiffSizeThresh:        1 << 20,
	}

	bulk, reason := classifyBulk("git", store.ChangeSummary{TotalChanges: 2001}, cfg)
	assert.True(t, bulk)
	assert.Equal(t, "total_changes_exceeded", reason)

	bulk, reason = classifyBulk("git", store.ChangeSummary{FilesChanged: 101}, cfg)
	assert.True(t, bulk)
	assert.Equal(t, "files_changed_exceeded", reason)

	paths := make([]string, 101)
	bulk, reason = classifyBulk("svn", store.ChangeSummary{ChangedPaths: paths}, cfg)
	assert.True(t, bulk)
	assert.Equal(t, "changed_paths_exceeded", reason)

	bulk, reason = classifyBulk("svn", store.ChangeSummary{DiffSizeBytes: 2 << 20}, cfg)
	assert.True(t, bulk)
	assert.Equal(t, "diff_size_exceeded", reason)

	bulk, _ = classifyBulk("git", store.ChangeSummary{TotalChanges: 5, FilesChanged: 2}, cfg)
	assert.False(t, bulk)

	// Zero thresholds disable the check.
	bulk, _ = classifyBulk("git", store.ChangeSummary{TotalChanges: 99999}, config.SyncConfig{})
	assert.False(t, bulk)
}
