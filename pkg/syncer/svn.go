package syncer

import (
	"context"

	"github.com/engramhq/engram/pkg/errkind"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/scm/svn"
	"github.com/engramhq/engram/pkg/store"
)

// SVNLogSource is the slice of the SVN adapter the sync uses.
type SVNLogSource interface {
	Log(ctx context.Context, repoURL string, fromRev, toRev int64, limit int) ([]svn.LogEntry, svn.Result)
}

// SVNSource feeds the pipeline from an SVN repository. SVN advances by
// revision number, so the time window does not apply; the cursor revision
// bounds the log range directly.
type SVNSource struct {
	adapter SVNLogSource
}

// NewSVNSource wraps an SVN adapter.
func NewSVNSource(adapter SVNLogSource) *SVNSource {
	return &SVNSource{adapter: adapter}
}

func (s *SVNSource) JobType() string    { return store.JobTypeSVN }
func (s *SVNSource) SourceType() string { return identity.SourceSVN }

func (s *SVNSource) Fetch(ctx context.Context, repo store.Repo, cur store.Cursor, _ Window, limit int) ([]Event, error) {
	fromRev := cur.Mark.Rev + 1
	entries, res := s.adapter.Log(ctx, repo.CanonicalURL, fromRev, -1, limit+1)
	if !res.Success {
		return nil, errkind.New(res.Kind, res.Message)
	}

	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		rev := store.SvnRevision{
			RepoID:    repo.RepoID,
			RevNum:    e.Rev,
			AuthorRaw: e.Author,
			TS:        e.TS,
			Message:   e.Message,
			IsMerge:   e.IsMerge,
			SourceID:  identity.SVNSourceID(repo.RepoID, e.Rev),
			Meta: store.ChangeSummary{
				FilesChanged: len(e.ChangedPaths),
				ChangedPaths: e.ChangedPaths,
			},
		}
		events = append(events, Event{
			Mark:     store.Watermark{Rev: e.Rev, TS: e.TS},
			SourceID: rev.SourceID,
			Svn:      &rev,
		})
	}
	return events, nil
}
