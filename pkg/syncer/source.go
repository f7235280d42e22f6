package syncer

import (
	"context"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/store"
)

// Event is one fetched SCM event, normalized for the shared pipeline.
// Exactly one of Svn/Git is set, matching the source that produced it.
type Event struct {
	Mark     store.Watermark
	SourceID string
	Svn      *store.SvnRevision
	Git      *store.GitCommit
}

// Summary returns the change stats regardless of source.
func (e Event) Summary() store.ChangeSummary {
	if e.Svn != nil {
		return e.Svn.Meta
	}
	if e.Git != nil {
		return e.Git.Meta
	}
	return store.ChangeSummary{}
}

// Source fetches events for one SCM type. The engine owns persistence,
// dedup, ordering and cursor rules; sources only pull.
type Source interface {
	JobType() string
	SourceType() string
	// Fetch pulls up to limit+1 events past the cursor so the engine can
	// detect a truncated batch. Pagination and cross-page dedup are the
	// source's concern.
	Fetch(ctx context.Context, repo store.Repo, cur store.Cursor, w Window, limit int) ([]Event, error)
}

// classifyBulk applies the per-source thresholds. Bulk events are stored as
// diffstat instead of full diff.
func classifyBulk(sourceType string, sum store.ChangeSummary, cfg config.SyncConfig) (bool, string) {
	switch sourceType {
	case "git":
		if cfg.GitTotalChangesThresh > 0 && sum.TotalChanges > cfg.GitTotalChangesThresh {
			return true, "total_changes_exceeded"
		}
		if cfg.GitFilesChangedThresh > 0 && sum.FilesChanged > cfg.GitFilesChangedThresh {
			return true, "files_changed_exceeded"
		}
	case "svn":
		if cfg.SvnChangedPathsThresh > 0 && len(sum.ChangedPaths) > cfg.SvnChangedPathsThresh {
			return true, "changed_paths_exceeded"
		}
	}
	if cfg.DiffSizeThresh > 0 && sum.DiffSizeBytes > cfg.DiffSizeThresh {
		return true, "diff_size_exceeded"
	}
	return false, ""
}
