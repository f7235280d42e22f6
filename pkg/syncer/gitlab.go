package syncer

import (
	"context"

	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/materialize"
	"github.com/engramhq/engram/pkg/scm/gitlab"
	"github.com/engramhq/engram/pkg/store"
)

// GitLabCommitSource is the slice of the GitLab adapter the sync uses.
type GitLabCommitSource interface {
	GetCommits(ctx context.Context, projectID string, q gitlab.CommitsQuery) ([]gitlab.Commit, error)
}

// GitLabSource feeds the pipeline from a GitLab project, paging through the
// commits API. Commits advance the (ts, sha) watermark.
type GitLabSource struct {
	client  GitLabCommitSource
	refName string
	perPage int
}

// NewGitLabSource wraps a GitLab client. refName empty means the default
// branch of the project.
func NewGitLabSource(client GitLabCommitSource, refName string, perPage int) *GitLabSource {
	if perPage <= 0 {
		perPage = 100
	}
	return &GitLabSource{client: client, refName: refName, perPage: perPage}
}

func (g *GitLabSource) JobType() string    { return store.JobTypeGitLabCommits }
func (g *GitLabSource) SourceType() string { return identity.SourceGit }

func (g *GitLabSource) Fetch(ctx context.Context, repo store.Repo, _ store.Cursor, w Window, limit int) ([]Event, error) {
	project := materialize.GitLabProjectPath(repo.CanonicalURL)
	ref := g.refName
	if ref == "" {
		ref = repo.DefaultBranch
	}

	seen := make(map[string]bool)
	var events []Event
	for page := 1; len(events) <= limit; page++ {
		commits, err := g.client.GetCommits(ctx, project, gitlab.CommitsQuery{
			Since:   w.Since,
			Until:   w.Until,
			RefName: ref,
			Page:    page,
			PerPage: g.perPage,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			// Pages can shift while we read them; collapse on sha.
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true

			meta := store.ChangeSummary{ParentIDs: c.ParentIDs}
			if c.Stats != nil {
				meta.Additions = c.Stats.Additions
				meta.Deletions = c.Stats.Deletions
				meta.TotalChanges = c.Stats.Total
			}
			commit := store.GitCommit{
				RepoID:    repo.RepoID,
				CommitSHA: c.ID,
				AuthorRaw: c.AuthorName + " <" + c.AuthorEmail + ">",
				TS:        c.CommittedDate.UTC(),
				Message:   c.Message,
				IsMerge:   len(c.ParentIDs) > 1,
				SourceID:  identity.GitSourceID(repo.RepoID, c.ID),
				Meta:      meta,
			}
			events = append(events, Event{
				Mark:     store.Watermark{TS: commit.TS, SHA: commit.CommitSHA},
				SourceID: commit.SourceID,
				Git:      &commit,
			})
		}
		if len(commits) < g.perPage {
			break
		}
	}
	return events, nil
}
