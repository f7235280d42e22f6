// Package integrity is the offline consistency scan: it walks patch blobs,
// attachments and repos, verifying fingerprint formats, artifact
// readability, content addressing and evidence-URI scheme legality.
// Issue class names are a stable contract; downstream dashboards key on
// them.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/engramhq/engram/pkg/artifacts"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/store"
)

// Issue classes. Stable names; do not rename.
const (
	ClassMissingIndex          = "missing_index"
	ClassMissingEvidenceURI    = "missing_evidence_uri"
	ClassUnreadableArtifact    = "unreadable_artifact"
	ClassSHAMismatch           = "sha_mismatch"
	ClassSchemeViolation       = "scheme_violation"
	ClassAttachmentMissingURI  = "attachment_missing_uri"
	ClassAttachmentUnreadable  = "attachment_unreadable"
	ClassAttachmentSHAMismatch = "attachment_sha_mismatch"
	ClassSourceIDInvalid       = "source_id_invalid"
	ClassRepoURLCollision      = "repo_url_collision"
)

// Issue is one reported inconsistency.
type Issue struct {
	Class  string `json:"class"`
	Ref    string `json:"ref"`
	Detail string `json:"detail"`
	Fixed  bool   `json:"fixed,omitempty"`
}

// Report is the scan result.
type Report struct {
	BlobsScanned       int     `json:"blobs_scanned"`
	AttachmentsScanned int     `json:"attachments_scanned"`
	ReposScanned       int     `json:"repos_scanned"`
	Issues             []Issue `json:"issues"`
}

// Clean reports an issue-free scan.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// DB is the slice of the relational store the checker reads.
type DB interface {
	ListPatchBlobsPage(ctx context.Context, afterID int64, limit int) ([]store.PatchBlob, error)
	ListAttachments(ctx context.Context, afterID int64, limit int) ([]store.Attachment, error)
	ListRepos(ctx context.Context) ([]store.Repo, error)
	UpdatePatchBlobSourceID(ctx context.Context, blobID int64, sourceID string) error
}

// Config tunes one scan.
type Config struct {
	PageSize int
	// SampleLimit bounds the number of blobs/attachments examined; 0 scans
	// everything.
	SampleLimit int
	// ExpectedChunkingVersion, when set, flags rows whose chunking_version
	// drifts from it (semver comparison when both sides parse).
	ExpectedChunkingVersion string
	// Fix enables deterministic source-id repairs. Nothing else is ever
	// modified.
	Fix bool
}

// Checker runs the scan.
type Checker struct {
	cfg Config
	db  DB
	art artifacts.Store
}

// New creates a checker. art may be nil to skip artifact reads.
func New(cfg Config, db DB, art artifacts.Store) *Checker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Checker{cfg: cfg, db: db, art: art}
}

// Run executes the full scan.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	var report Report
	if err := c.scanPatchBlobs(ctx, &report); err != nil {
		return report, err
	}
	if err := c.scanAttachments(ctx, &report); err != nil {
		return report, err
	}
	if err := c.scanRepos(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (c *Checker) scanPatchBlobs(ctx context.Context, report *Report) error {
	var afterID int64
	for {
		blobs, err := c.db.ListPatchBlobsPage(ctx, afterID, c.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list patch blobs: %w", err)
		}
		if len(blobs) == 0 {
			return nil
		}
		for _, b := range blobs {
			if c.cfg.SampleLimit > 0 && report.BlobsScanned >= c.cfg.SampleLimit {
				return nil
			}
			report.BlobsScanned++
			c.checkBlob(ctx, b, report)
			afterID = b.BlobID
		}
	}
}

func (c *Checker) checkBlob(ctx context.Context, b store.PatchBlob, report *Report) {
	ref := fmt.Sprintf("patch_blob:%d", b.BlobID)

	if !identity.ValidSourceID(b.SourceID) {
		repaired := repairSourceID(b.SourceID)
		issue := Issue{Class: ClassSourceIDInvalid, Ref: ref,
			Detail: fmt.Sprintf("source_id %q", b.SourceID)}
		if c.cfg.Fix && repaired != "" {
			if err := c.db.UpdatePatchBlobSourceID(ctx, b.BlobID, repaired); err != nil {
				slog.Warn("integrity: source id repair failed", "blob_id", b.BlobID, "error", err)
			} else {
				issue.Fixed = true
				issue.Detail += " repaired to " + repaired
			}
		}
		report.Issues = append(report.Issues, issue)
	}

	if b.MaterializeStatus != store.MaterializeDone {
		return
	}

	if b.EvidenceURI == "" {
		report.Issues = append(report.Issues, Issue{Class: ClassMissingEvidenceURI, Ref: ref})
	} else if !identity.IsPatchBlobURI(b.EvidenceURI) {
		// memory://attachments/ or any foreign scheme on a patch blob row.
		report.Issues = append(report.Issues, Issue{Class: ClassSchemeViolation, Ref: ref,
			Detail: "evidence_uri " + b.EvidenceURI})
	}

	if c.cfg.ExpectedChunkingVersion != "" && b.ChunkingVersion != "" {
		if drifted(c.cfg.ExpectedChunkingVersion, b.ChunkingVersion) {
			report.Issues = append(report.Issues, Issue{Class: ClassMissingIndex, Ref: ref,
				Detail: fmt.Sprintf("chunking_version %s, expected %s", b.ChunkingVersion, c.cfg.ExpectedChunkingVersion)})
		}
	}

	if c.art == nil || b.URI == "" {
		return
	}
	data, err := c.art.Read(ctx, b.URI)
	if err != nil {
		report.Issues = append(report.Issues, Issue{Class: ClassUnreadableArtifact, Ref: ref,
			Detail: err.Error()})
		return
	}
	if actual := artifacts.HashBytes(data); !strings.EqualFold(actual, b.SHA256) {
		report.Issues = append(report.Issues, Issue{Class: ClassSHAMismatch, Ref: ref,
			Detail: fmt.Sprintf("stored %s, actual %s", b.SHA256, actual)})
	} else if int64(len(data)) != b.SizeBytes {
		report.Issues = append(report.Issues, Issue{Class: ClassSHAMismatch, Ref: ref,
			Detail: fmt.Sprintf("stored size %d, actual %d", b.SizeBytes, len(data))})
	}
}

func (c *Checker) scanAttachments(ctx context.Context, report *Report) error {
	var afterID int64
	for {
		atts, err := c.db.ListAttachments(ctx, afterID, c.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list attachments: %w", err)
		}
		if len(atts) == 0 {
			return nil
		}
		for _, a := range atts {
			if c.cfg.SampleLimit > 0 && report.AttachmentsScanned >= c.cfg.SampleLimit {
				return nil
			}
			report.AttachmentsScanned++
			c.checkAttachment(ctx, a, report)
			afterID = a.AttachmentID
		}
	}
}

func (c *Checker) checkAttachment(ctx context.Context, a store.Attachment, report *Report) {
	ref := fmt.Sprintf("attachment:%d", a.AttachmentID)

	if a.URI == "" {
		report.Issues = append(report.Issues, Issue{Class: ClassAttachmentMissingURI, Ref: ref})
		return
	}
	if !identity.ValidEvidenceURI(a.URI) {
		report.Issues = append(report.Issues, Issue{Class: ClassSchemeViolation, Ref: ref,
			Detail: "uri " + a.URI})
		return
	}

	switch {
	case a.Kind == "patch":
		// Patch attachments must point into the patch-blob space and embed
		// their own digest.
		if !identity.IsPatchBlobURI(a.URI) {
			report.Issues = append(report.Issues, Issue{Class: ClassSchemeViolation, Ref: ref,
				Detail: "patch attachment uri " + a.URI})
		} else if !strings.HasSuffix(a.URI, strings.ToLower(a.SHA256)) {
			report.Issues = append(report.Issues, Issue{Class: ClassAttachmentSHAMismatch, Ref: ref,
				Detail: "uri digest does not match sha256"})
		}
	case identity.IsAttachmentURI(a.URI):
		if !strings.HasSuffix(a.URI, strings.ToLower(a.SHA256)) {
			report.Issues = append(report.Issues, Issue{Class: ClassAttachmentSHAMismatch, Ref: ref,
				Detail: "uri digest does not match sha256"})
		}
	case identity.IsPatchBlobURI(a.URI):
		// memory://patch_blobs/ on a non-patch attachment violates the
		// scheme partition.
		report.Issues = append(report.Issues, Issue{Class: ClassSchemeViolation, Ref: ref,
			Detail: "non-patch attachment uri " + a.URI})
	default:
		// artifact:// and file:// are readable directly.
		if c.art == nil {
			return
		}
		data, err := c.art.Read(ctx, a.URI)
		if err != nil {
			report.Issues = append(report.Issues, Issue{Class: ClassAttachmentUnreadable, Ref: ref,
				Detail: err.Error()})
			return
		}
		if actual := artifacts.HashBytes(data); !strings.EqualFold(actual, a.SHA256) {
			report.Issues = append(report.Issues, Issue{Class: ClassAttachmentSHAMismatch, Ref: ref,
				Detail: fmt.Sprintf("stored %s, actual %s", a.SHA256, actual)})
		}
	}
}

func (c *Checker) scanRepos(ctx context.Context, report *Report) error {
	repos, err := c.db.ListRepos(ctx)
	if err != nil {
		return fmt.Errorf("list repos: %w", err)
	}
	seen := map[string]int64{}
	for _, r := range repos {
		report.ReposScanned++
		norm, err := identity.NormalizeRepoURL(r.CanonicalURL)
		if err != nil {
			report.Issues = append(report.Issues, Issue{Class: ClassRepoURLCollision,
				Ref: fmt.Sprintf("repo:%d", r.RepoID), Detail: "unnormalizable url " + r.CanonicalURL})
			continue
		}
		if other, ok := seen[norm]; ok {
			report.Issues = append(report.Issues, Issue{Class: ClassRepoURLCollision,
				Ref:    fmt.Sprintf("repo:%d", r.RepoID),
				Detail: fmt.Sprintf("normalizes to same url as repo %d", other)})
			continue
		}
		seen[norm] = r.RepoID
	}
	return nil
}

// repairSourceID applies the deterministic normalizations: trim space and
// lowercase the git sha segment. Empty when no repair applies.
func repairSourceID(s string) string {
	repaired := strings.TrimSpace(s)
	if parts := strings.SplitN(repaired, ":", 3); len(parts) == 3 && parts[0] == "git" {
		repaired = parts[0] + ":" + parts[1] + ":" + strings.ToLower(parts[2])
	}
	if repaired != s && identity.ValidSourceID(repaired) {
		return repaired
	}
	return ""
}

// drifted compares chunking versions: semver-aware when both parse, exact
// string inequality otherwise.
func drifted(expected, actual string) bool {
	ev, eerr := semver.NewVersion(expected)
	av, aerr := semver.NewVersion(actual)
	if eerr == nil && aerr == nil {
		return !ev.Equal(av)
	}
	return expected != actual
}
