package store

import (
	"time"
)

// Repo types.
const (
	RepoTypeSVN = "svn"
	RepoTypeGit = "git"
)

// Job types claimable as leases. Distinct job types on the same repo run
// concurrently.
const (
	JobTypeSVN           = "svn"
	JobTypeGitLabCommits = "gitlab_commits"
	JobTypeGitLabMRs     = "gitlab_mrs"
)

// Patch blob formats.
const (
	FormatDiff     = "diff"
	FormatDiffstat = "diffstat"
	FormatMinistat = "ministat"
)

// Patch blob materialization lifecycle.
const (
	MaterializePending    = "pending"
	MaterializeInProgress = "in_progress"
	MaterializeDone       = "done"
	MaterializeFailed     = "failed"
)

// Outbox entry lifecycle.
const (
	OutboxPending    = "pending"
	OutboxInProgress = "in_progress"
	OutboxSent       = "sent"
	OutboxFailed     = "failed"
	OutboxDead       = "dead"
)

// Audit actions.
const (
	AuditAllow    = "allow"
	AuditRedirect = "redirect"
	AuditReject   = "reject"
)

// Repo is a registered source-control repository. Immutable after first
// ensure; merges are manual.
type Repo struct {
	RepoID        int64
	RepoType      string
	CanonicalURL  string
	ProjectKey    string
	DefaultBranch string
	CreatedAt     time.Time
}

// ChangeSummary carries the structured change stats read at decision points,
// with a free-form bag for pass-through fields.
type ChangeSummary struct {
	TotalChanges  int            `json:"total_changes,omitempty"`
	FilesChanged  int            `json:"files_changed,omitempty"`
	Additions     int            `json:"additions,omitempty"`
	Deletions     int            `json:"deletions,omitempty"`
	DiffSizeBytes int64          `json:"diff_size_bytes,omitempty"`
	ChangedPaths  []string       `json:"changed_paths,omitempty"`
	ParentIDs     []string       `json:"parent_ids,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// SvnRevision is one ingested SVN revision. Append-only; re-upserts only
// overwrite non-identity attributes.
type SvnRevision struct {
	RepoID     int64
	RevNum     int64
	AuthorRaw  string
	TS         time.Time
	Message    string
	IsMerge    bool
	IsBulk     bool
	BulkReason string
	SourceID   string
	Meta       ChangeSummary
}

// GitCommit is one ingested Git commit. Append-only.
type GitCommit struct {
	RepoID     int64
	CommitSHA  string
	AuthorRaw  string
	TS         time.Time
	Message    string
	IsMerge    bool
	IsBulk     bool
	BulkReason string
	SourceID   string
	Meta       ChangeSummary
}

// PatchBlob tracks materialized diff/stat content for one SCM event.
type PatchBlob struct {
	BlobID            int64
	SourceType        string
	SourceID          string
	Format            string
	URI               string
	SHA256            string
	SizeBytes         int64
	EvidenceURI       string
	MaterializeStatus string
	Attempts          int
	LastError         string
	LastEndpoint      string
	ErrorCategory     string
	MirrorURI         string
	MirrorSHA256      string
	ChunkingVersion   string
	Degraded          bool
	DegradeReason     string
}

// Watermark is the durable high-water mark of a sync. SVN repos advance by
// revision number; Git repos advance by (ts, sha) with a lexicographic
// tie-break on sha at equal timestamps.
type Watermark struct {
	Rev int64     `json:"rev,omitempty"`
	TS  time.Time `json:"ts,omitempty"`
	SHA string    `json:"sha,omitempty"`
}

// IsZero reports an unset watermark.
func (w Watermark) IsZero() bool {
	return w.Rev == 0 && w.TS.IsZero() && w.SHA == ""
}

// Less orders watermarks. Rev-based marks compare on Rev; (ts, sha) marks
// compare timestamps first, then sha bytes.
func (w Watermark) Less(other Watermark) bool {
	if w.Rev != 0 || other.Rev != 0 {
		return w.Rev < other.Rev
	}
	if !w.TS.Equal(other.TS) {
		return w.TS.Before(other.TS)
	}
	return w.SHA < other.SHA
}

// Cursor is the persisted watermark for one (repo, job) pair.
type Cursor struct {
	RepoID        int64
	JobType       string
	Mark          Watermark
	LastSyncAt    time.Time
	LastSyncCount int
}

// Lease is a time-bounded exclusive claim on (repo_id, job_type).
type Lease struct {
	RepoID     int64
	JobType    string
	WorkerID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// RunCounts summarizes one sync run.
type RunCounts struct {
	Fetched      int `json:"fetched"`
	Deduped      int `json:"deduped"`
	Persisted    int `json:"persisted"`
	Materialized int `json:"materialized"`
	Degraded     int `json:"degraded"`
	Failed       int `json:"failed"`
}

// SyncRun records one lease-holding sync invocation.
type SyncRun struct {
	RunID        string
	RepoID       int64
	JobType      string
	Mode         string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string // completed | failed | no_data
	CursorBefore Watermark
	CursorAfter  Watermark
	Counts       RunCounts
	ErrorSummary string
	Degradation  string
}

// OutboxEntry is a durably queued memory write awaiting delivery.
type OutboxEntry struct {
	OutboxID       int64
	TargetSpace    string
	PayloadMD      string
	PayloadSHA     string
	Status         string
	RetryCount     int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	LastError      string
	LeaseWorker    string
	LeaseExpiresAt time.Time
}

// EvidenceRefs is the structured evidence block on an audit row. Serialized
// through RFC 8785 canonicalization so equal refs are byte-equal at rest.
type EvidenceRefs struct {
	Source        string `json:"source,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	OutboxID      int64  `json:"outbox_id,omitempty"`
	MemoryID      string `json:"memory_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AuditRow is one append-only governance audit record.
type AuditRow struct {
	AuditID     string
	ActorUserID string
	TargetSpace string
	Action      string
	Reason      string
	PayloadSHA  string
	Evidence    EvidenceRefs
	CreatedAt   time.Time
}

// TeamSettings configures the policy engine for one project key.
type TeamSettings struct {
	ProjectKey       string
	TeamWriteEnabled bool
	PolicyJSON       string
	UpdatedAt        time.Time
}

// Attachment is a stored artifact reference hanging off a memory item.
type Attachment struct {
	AttachmentID    int64
	ItemID          string
	Kind            string
	URI             string
	SHA256          string
	SizeBytes       int64
	Meta            string
	ChunkingVersion string
}

// KnowledgeCandidate is the logbook row used for dedup checks and the
// degraded query fallback.
type KnowledgeCandidate struct {
	CandidateID int64
	PayloadSHA  string
	MemoryID    string
	TargetSpace string
	Summary     string
	CreatedAt   time.Time
}
