package syncer

import (
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/store"
)

// Window is the time span one fetch covers.
type Window struct {
	Since time.Time
	Until time.Time
}

// ComputeWindow selects the fetch span for a run. First sync reaches back
// the configured number of days; incremental syncs start at the cursor
// minus the overlap, so late-arriving events with timestamps at or before
// the cursor are still caught. The upper bound never passes now.
func ComputeWindow(cur store.Cursor, cfg config.SyncConfig, now time.Time) Window {
	forward := time.Duration(cfg.ForwardWindowSeconds) * time.Second

	var since time.Time
	if cur.Mark.TS.IsZero() {
		since = now.AddDate(0, 0, -cfg.TimeWindowDays)
	} else {
		since = cur.Mark.TS.Add(-time.Duration(cfg.OverlapSeconds) * time.Second)
	}

	until := since.Add(forward)
	if until.After(now) {
		until = now
	}
	return Window{Since: since.UTC(), Until: until.UTC()}
}
