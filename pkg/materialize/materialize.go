// Package materialize resolves pending patch blobs: it fetches diff content
// from the owning SCM source, derives the requested format, verifies content
// addressing and lands the artifact plus the row transition atomically
// enough that concurrent workers never clobber a finished blob.
package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/engramhq/engram/pkg/artifacts"
	"github.com/engramhq/engram/pkg/errkind"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/scm/gitlab"
	"github.com/engramhq/engram/pkg/scm/svn"
	"github.com/engramhq/engram/pkg/store"
)

// SHA-mismatch policies.
const (
	SHAPolicyStrict = "strict"
	SHAPolicyMirror = "mirror"
)

// DefaultMaxSize caps materialized bodies at 10 MiB.
const DefaultMaxSize = 10 << 20

// Config tunes one materializer.
type Config struct {
	ProjectKey   string
	MaxSizeBytes int64
	SHAPolicy    string // strict | mirror
}

// DB is the slice of the relational store the materializer touches.
type DB interface {
	GetRepo(ctx context.Context, repoID int64) (store.Repo, error)
	GetSvnRevision(ctx context.Context, repoID, revNum int64) (store.SvnRevision, error)
	GetGitCommit(ctx context.Context, repoID int64, sha string) (store.GitCommit, error)
	AcquirePatchBlob(ctx context.Context, blobID int64) (bool, error)
	CompletePatchBlob(ctx context.Context, b store.PatchBlob) (bool, error)
	FailPatchBlob(ctx context.Context, blobID int64, category, lastError, lastEndpoint, mirrorURI, mirrorSHA string) error
	ListPatchBlobsByStatus(ctx context.Context, status string, limit int) ([]store.PatchBlob, error)
}

// SVNSource fetches revision diffs.
type SVNSource interface {
	Diff(ctx context.Context, repoURL string, rev int64) ([]byte, svn.Result)
}

// GitSource fetches commit diffs with a size ceiling.
type GitSource interface {
	GetCommitDiffSafe(ctx context.Context, projectID, sha string, maxSize int64) gitlab.DiffResult
}

// Outcome reports what happened to one blob.
type Outcome struct {
	BlobID   int64
	Status   string // done | failed | skipped
	Category errkind.Kind
	Degraded bool
	SHA256   string
	URI      string
}

// Materializer drives the pending -> in_progress -> done|failed lifecycle.
type Materializer struct {
	cfg Config
	db  DB
	art artifacts.Store
	svn SVNSource
	git GitSource
}

// New creates a materializer. Either source may be nil when the deployment
// syncs only one SCM type.
func New(cfg Config, db DB, art artifacts.Store, svnSrc SVNSource, gitSrc GitSource) *Materializer {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSize
	}
	if cfg.SHAPolicy == "" {
		cfg.SHAPolicy = SHAPolicyStrict
	}
	return &Materializer{cfg: cfg, db: db, art: art, svn: svnSrc, git: gitSrc}
}

// Process materializes one blob. bestEffort selects the degraded path: on
// fetch failure the body downgrades to a ministat computed from stored
// metadata and the blob still lands as done, tagged degraded.
func (m *Materializer) Process(ctx context.Context, blob store.PatchBlob, bestEffort bool) (Outcome, error) {
	acquired, err := m.db.AcquirePatchBlob(ctx, blob.BlobID)
	if err != nil {
		return Outcome{BlobID: blob.BlobID}, err
	}
	if !acquired {
		return Outcome{BlobID: blob.BlobID, Status: "skipped"}, nil
	}

	sourceType, repoID, key, err := identity.ParseSourceID(blob.SourceID)
	if err != nil {
		return m.fail(ctx, blob, errkind.ValidationError, err.Error(), "", "", "")
	}
	repo, err := m.db.GetRepo(ctx, repoID)
	if err != nil {
		return m.fail(ctx, blob, errkind.ValidationError, fmt.Sprintf("repo %d: %v", repoID, err), "", "", "")
	}

	diff, endpoint, fetchKind, fetchMsg := m.fetch(ctx, sourceType, repo, key)
	if fetchKind != errkind.None {
		if !bestEffort {
			return m.fail(ctx, blob, fetchKind, fetchMsg, endpoint, "", "")
		}
		body := RenderMinistat(m.loadSummary(ctx, sourceType, repoID, key))
		return m.land(ctx, blob, repo, sourceType, key, body, store.FormatMinistat, true, string(fetchKind), endpoint)
	}

	body, err := m.derive(ctx, blob.Format, sourceType, repoID, key, diff)
	if err != nil {
		return m.fail(ctx, blob, errkind.ParseError, err.Error(), endpoint, "", "")
	}
	return m.land(ctx, blob, repo, sourceType, key, body, blob.Format, false, "", endpoint)
}

// fetch pulls the raw diff from the owning source. A None kind means
// success.
func (m *Materializer) fetch(ctx context.Context, sourceType string, repo store.Repo, key string) (diff []byte, endpoint string, kind errkind.Kind, msg string) {
	switch sourceType {
	case identity.SourceSVN:
		if m.svn == nil {
			return nil, "", errkind.DependencyError, "svn adapter not configured"
		}
		rev, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, "", errkind.ValidationError, fmt.Sprintf("bad svn rev %q", key)
		}
		body, res := m.svn.Diff(ctx, repo.CanonicalURL, rev)
		if !res.Success {
			return nil, repo.CanonicalURL, res.Kind, res.Message
		}
		return body, repo.CanonicalURL, errkind.None, ""
	case identity.SourceGit:
		if m.git == nil {
			return nil, "", errkind.DependencyError, "gitlab adapter not configured"
		}
		project := GitLabProjectPath(repo.CanonicalURL)
		endpoint := fmt.Sprintf("/projects/%s/repository/commits/%s/diff", url.PathEscape(project), key)
		dr := m.git.GetCommitDiffSafe(ctx, project, key, m.cfg.MaxSizeBytes)
		if !dr.OK {
			return nil, endpoint, dr.Kind, dr.Message
		}
		return JoinGitDiffs(dr.Diffs), endpoint, errkind.None, ""
	default:
		return nil, "", errkind.ValidationError, fmt.Sprintf("unmaterializable source type %q", sourceType)
	}
}

// derive renders the requested format from the raw diff.
func (m *Materializer) derive(ctx context.Context, format, sourceType string, repoID int64, key string, diff []byte) ([]byte, error) {
	switch format {
	case store.FormatDiff:
		return diff, nil
	case store.FormatDiffstat:
		return RenderDiffstat(diff), nil
	case store.FormatMinistat:
		sum := m.loadSummary(ctx, sourceType, repoID, key)
		if sum.TotalChanges == 0 && sum.FilesChanged == 0 && len(sum.ChangedPaths) == 0 {
			sum = SummaryFromDiff(diff)
		}
		return RenderMinistat(sum), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// loadSummary pulls stored change metadata for the event; zero value when
// the row is missing.
func (m *Materializer) loadSummary(ctx context.Context, sourceType string, repoID int64, key string) store.ChangeSummary {
	switch sourceType {
	case identity.SourceSVN:
		rev, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return store.ChangeSummary{}
		}
		row, err := m.db.GetSvnRevision(ctx, repoID, rev)
		if err != nil {
			return store.ChangeSummary{}
		}
		return row.Meta
	case identity.SourceGit:
		row, err := m.db.GetGitCommit(ctx, repoID, key)
		if err != nil {
			return store.ChangeSummary{}
		}
		return row.Meta
	}
	return store.ChangeSummary{}
}

// land enforces the size cap, verifies content addressing and completes the
// row. A sha mismatch under the strict policy writes nothing at all.
func (m *Materializer) land(ctx context.Context, blob store.PatchBlob, repo store.Repo, sourceType, key string, body []byte, ext string, degraded bool, degradeReason, endpoint string) (Outcome, error) {
	if int64(len(body)) > m.cfg.MaxSizeBytes {
		return m.fail(ctx, blob, errkind.ContentTooLarge,
			fmt.Sprintf("body is %d bytes, limit %d", len(body), m.cfg.MaxSizeBytes), endpoint, "", "")
	}

	actual := artifacts.HashBytes(body)
	revOrSha := key
	if sourceType == identity.SourceSVN {
		revOrSha = "r" + key
	}

	if blob.SHA256 != "" && !strings.EqualFold(blob.SHA256, actual) {
		if m.cfg.SHAPolicy == SHAPolicyMirror {
			mirrorPath := artifacts.BlobPath(m.cfg.ProjectKey, repo.RepoID, sourceType, revOrSha, actual, ext)
			put, err := m.art.Put(ctx, mirrorPath, body)
			if err != nil {
				return m.fail(ctx, blob, errkind.ValidationError,
					fmt.Sprintf("sha mismatch (expected %s, got %s); mirror write failed: %v", blob.SHA256, actual, err), endpoint, "", "")
			}
			return m.fail(ctx, blob, errkind.ValidationError,
				fmt.Sprintf("sha mismatch (expected %s, got %s)", blob.SHA256, actual), endpoint, put.URI, actual)
		}
		return m.fail(ctx, blob, errkind.ValidationError,
			fmt.Sprintf("sha mismatch (expected %s, got %s)", blob.SHA256, actual), endpoint, "", "")
	}

	path := artifacts.BlobPath(m.cfg.ProjectKey, repo.RepoID, sourceType, revOrSha, actual, ext)
	put, err := m.art.Put(ctx, path, body)
	if err != nil {
		return m.fail(ctx, blob, errkind.KindOf(err), err.Error(), endpoint, "", "")
	}

	done := blob
	done.URI = put.URI
	done.SHA256 = put.SHA256
	done.SizeBytes = put.Size
	done.EvidenceURI = identity.PatchBlobEvidenceURI(sourceType, blob.SourceID, put.SHA256)
	done.LastEndpoint = endpoint
	done.Degraded = degraded
	done.DegradeReason = degradeReason
	landed, err := m.db.CompletePatchBlob(ctx, done)
	if err != nil {
		return Outcome{BlobID: blob.BlobID}, err
	}
	if !landed {
		// Another worker finished with different content first. The
		// artifact write stays; the store is content-addressed so the
		// extra object is harmless.
		slog.Debug("materialize: lost completion race", "blob_id", blob.BlobID)
		return Outcome{BlobID: blob.BlobID, Status: "skipped"}, nil
	}
	return Outcome{BlobID: blob.BlobID, Status: store.MaterializeDone,
		Degraded: degraded, SHA256: put.SHA256, URI: put.URI}, nil
}

func (m *Materializer) fail(ctx context.Context, blob store.PatchBlob, kind errkind.Kind, msg, endpoint, mirrorURI, mirrorSHA string) (Outcome, error) {
	if err := m.db.FailPatchBlob(ctx, blob.BlobID, string(kind), msg, endpoint, mirrorURI, mirrorSHA); err != nil {
		return Outcome{BlobID: blob.BlobID}, err
	}
	slog.Warn("materialize: blob failed", "blob_id", blob.BlobID, "category", kind, "error", msg)
	return Outcome{BlobID: blob.BlobID, Status: store.MaterializeFailed, Category: kind}, nil
}

// DrainPending processes up to limit pending blobs, then up to limit failed
// retries. Used by the CLI and the loop mode between sync batches.
func (m *Materializer) DrainPending(ctx context.Context, limit int, bestEffort bool) ([]Outcome, error) {
	var out []Outcome
	for _, status := range []string{store.MaterializePending, store.MaterializeFailed} {
		blobs, err := m.db.ListPatchBlobsByStatus(ctx, status, limit)
		if err != nil {
			return out, err
		}
		for _, b := range blobs {
			o, err := m.Process(ctx, b, bestEffort)
			if err != nil {
				return out, err
			}
			out = append(out, o)
		}
	}
	return out, nil
}

// GitLabProjectPath derives the API project identifier from a canonical
// repo URL: the path with the leading slash stripped.
func GitLabProjectPath(canonicalURL string) string {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return strings.TrimPrefix(canonicalURL, "/")
	}
	return strings.TrimPrefix(u.Path, "/")
}

// JoinGitDiffs stitches GitLab per-file diffs into one unified diff. File
// headers are synthesized when the API omits them.
func JoinGitDiffs(diffs []gitlab.Diff) []byte {
	var b strings.Builder
	for _, d := range diffs {
		old, newp := d.OldPath, d.NewPath
		if old == "" {
			old = newp
		}
		if newp == "" {
			newp = old
		}
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n", old, newp)
		if !strings.HasPrefix(d.Diff, "--- ") {
			oldSide, newSide := "a/"+old, "b/"+newp
			if d.NewFile {
				oldSide = "/dev/null"
			}
			if d.DeletedFile {
				newSide = "/dev/null"
			}
			fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldSide, newSide)
		}
		b.WriteString(d.Diff)
		if !strings.HasSuffix(d.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}
