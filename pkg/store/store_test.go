package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "store.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return st
}

// fakeClock keeps stored timestamps at whole seconds so text comparisons in
// SQLite behave like the Postgres timestamp comparisons.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func TestSaveCursorMonotonicRev(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, err := st.LoadCursor(ctx, 7, JobTypeSVN)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SaveCursor(ctx, 7, JobTypeSVN, Watermark{Rev: 10}, 5))
	c, err := st.LoadCursor(ctx, 7, JobTypeSVN)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Mark.Rev)
	assert.Equal(t, 5, c.LastSyncCount)
	assert.False(t, c.LastSyncAt.IsZero())

	// Equal and lesser targets leave the row untouched.
	assert.ErrorIs(t, st.SaveCursor(ctx, 7, JobTypeSVN, Watermark{Rev: 10}, 1), ErrWatermarkUnchanged)
	assert.ErrorIs(t, st.SaveCursor(ctx, 7, JobTypeSVN, Watermark{Rev: 5}, 1), ErrWatermarkUnchanged)

	require.NoError(t, st.SaveCursor(ctx, 7, JobTypeSVN, Watermark{Rev: 12}, 2))
	c, err = st.LoadCursor(ctx, 7, JobTypeSVN)
	require.NoError(t, err)
	assert.Equal(t, int64(12), c.Mark.Rev)
	assert.Equal(t, 2, c.LastSyncCount)
}

func TestSaveCursorGitTieBreak(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveCursor(ctx, 3, JobTypeGitLabCommits, Watermark{TS: ts, SHA: "bbb2222"}, 1))

	// Same timestamp, lexicographically lesser sha does not advance.
	assert.ErrorIs(t,
		st.SaveCursor(ctx, 3, JobTypeGitLabCommits, Watermark{TS: ts, SHA: "aaa1111"}, 1),
		ErrWatermarkUnchanged)

	require.NoError(t, st.SaveCursor(ctx, 3, JobTypeGitLabCommits, Watermark{TS: ts, SHA: "ccc3333"}, 1))
	require.NoError(t, st.SaveCursor(ctx, 3, JobTypeGitLabCommits,
		Watermark{TS: ts.Add(time.Minute), SHA: "aaa1111"}, 1))

	c, err := st.LoadCursor(ctx, 3, JobTypeGitLabCommits)
	require.NoError(t, err)
	assert.Equal(t, "aaa1111", c.Mark.SHA)
	assert.True(t, c.Mark.TS.Equal(ts.Add(time.Minute)))
}

func TestLeaseClaimStealRenewRelease(t *testing.T) {
	st := testStore(t)
	clk := newClock()
	st.WithClock(clk.Now)
	ctx := context.Background()

	l, err := st.ClaimLease(ctx, 7, JobTypeSVN, "w1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w1", l.WorkerID)
	assert.True(t, l.ExpiresAt.Equal(clk.Now().Add(10*time.Minute)))

	_, err = st.ClaimLease(ctx, 7, JobTypeSVN, "w2", 10*time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.ErrorIs(t, st.RenewLease(ctx, 7, JobTypeSVN, "w2", 10*time.Minute), ErrRenewFailed)

	// Distinct job types on the same repo never contend.
	_, err = st.ClaimLease(ctx, 7, JobTypeGitLabCommits, "w2", 10*time.Minute)
	require.NoError(t, err)

	require.NoError(t, st.RenewLease(ctx, 7, JobTypeSVN, "w1", 10*time.Minute))

	// An expired lease is stolen; the old owner can no longer renew.
	clk.Advance(11 * time.Minute)
	_, err = st.ClaimLease(ctx, 7, JobTypeSVN, "w2", 10*time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, st.RenewLease(ctx, 7, JobTypeSVN, "w1", 10*time.Minute), ErrRenewFailed)

	require.NoError(t, st.ReleaseLease(ctx, 7, JobTypeSVN, "w2"))
	_, err = st.ClaimLease(ctx, 7, JobTypeSVN, "w1", 10*time.Minute)
	require.NoError(t, err)

	// Releasing a lease lost to another worker is a no-op.
	require.NoError(t, st.ReleaseLease(ctx, 7, JobTypeSVN, "w2"))
	assert.ErrorIs(t, st.RenewLease(ctx, 7, JobTypeSVN, "w2", 10*time.Minute), ErrRenewFailed)
}

func TestPatchBlobLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	b, err := st.EnsurePatchBlob(ctx, "git", "git:3:abc1234", FormatDiff)
	require.NoError(t, err)
	assert.Equal(t, MaterializePending, b.MaterializeStatus)
	assert.NotZero(t, b.BlobID)

	again, err := st.EnsurePatchBlob(ctx, "git", "git:3:abc1234", FormatDiff)
	require.NoError(t, err)
	assert.Equal(t, b.BlobID, again.BlobID)

	ok, err := st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	assert.False(t, ok, "in_progress blob must not be acquirable")

	done := b
	done.URI = "file:///artifacts/scm/acme/3/git/abc1234/aa.diff"
	done.SHA256 = "aa11"
	done.SizeBytes = 512
	done.EvidenceURI = "memory://patch_blobs/git/git:3:abc1234/aa11"
	landed, err := st.CompletePatchBlob(ctx, done)
	require.NoError(t, err)
	assert.True(t, landed)

	got, err := st.GetPatchBlobByID(ctx, b.BlobID)
	require.NoError(t, err)
	assert.Equal(t, MaterializeDone, got.MaterializeStatus)
	assert.Equal(t, "aa11", got.SHA256)
	assert.Equal(t, 1, got.Attempts)

	ok, err = st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	assert.False(t, ok, "done blob must not be acquirable")

	// Content addressing is check-and-set: a divergent sha loses the race.
	divergent := done
	divergent.SHA256 = "bb22"
	landed, err = st.CompletePatchBlob(ctx, divergent)
	require.NoError(t, err)
	assert.False(t, landed)
	got, err = st.GetPatchBlobByID(ctx, b.BlobID)
	require.NoError(t, err)
	assert.Equal(t, "aa11", got.SHA256)
}

func TestPatchBlobFailureAndDrainList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	b, err := st.EnsurePatchBlob(ctx, "svn", "svn:7:1042", FormatDiff)
	require.NoError(t, err)
	ok, err := st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.FailPatchBlob(ctx, b.BlobID, "rate_limited", "429 from gitlab", "/api/v4/diff", "", ""))
	got, err := st.GetPatchBlob(ctx, "svn:7:1042", FormatDiff)
	require.NoError(t, err)
	assert.Equal(t, MaterializeFailed, got.MaterializeStatus)
	assert.Equal(t, "rate_limited", got.ErrorCategory)
	assert.Equal(t, "429 from gitlab", got.LastError)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.MirrorURI)
	assert.Empty(t, got.MirrorSHA256)

	// Failed blobs stay drainable.
	ok, err = st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	assert.True(t, ok)

	failed, err := st.ListPatchBlobsByStatus(ctx, MaterializeInProgress, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.BlobID, failed[0].BlobID)
}

func TestFailPatchBlobKeepsMirrorLocationAndDigest(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	b, err := st.EnsurePatchBlob(ctx, "git", "git:3:abc1234def", FormatDiff)
	require.NoError(t, err)
	ok, err := st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	require.True(t, ok)

	mirrorSHA := strings.Repeat("ab", 32)
	mirrorURI := "file:///artifacts/acme/3/git/abc1234def/" + mirrorSHA + ".diff"
	require.NoError(t, st.FailPatchBlob(ctx, b.BlobID, "validation_error",
		"sha mismatch (expected 00..00, got "+mirrorSHA+")", "/api/v4/diff", mirrorURI, mirrorSHA))

	got, err := st.GetPatchBlobByID(ctx, b.BlobID)
	require.NoError(t, err)
	assert.Equal(t, mirrorURI, got.MirrorURI)
	assert.Equal(t, mirrorSHA, got.MirrorSHA256)

	// A later failure without mirror data must not erase the forensics.
	ok, err = st.AcquirePatchBlob(ctx, b.BlobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.FailPatchBlob(ctx, b.BlobID, "timeout", "fetch timed out", "/api/v4/diff", "", ""))

	got, err = st.GetPatchBlobByID(ctx, b.BlobID)
	require.NoError(t, err)
	assert.Equal(t, "timeout", got.ErrorCategory)
	assert.Equal(t, mirrorURI, got.MirrorURI)
	assert.Equal(t, mirrorSHA, got.MirrorSHA256)
}

func TestOutboxLifecycle(t *testing.T) {
	st := testStore(t)
	clk := newClock()
	st.WithClock(clk.Now)
	ctx := context.Background()

	id, err := st.EnqueueOutbox(ctx, "team:billing", "[Kind] incident\n", "deadbeef")
	require.NoError(t, err)
	require.NotZero(t, id)

	e, err := st.GetOutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutboxPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)

	claimed, err := st.ClaimOutboxBatch(ctx, "w1", 10, 3, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, OutboxInProgress, claimed[0].Status)
	assert.Equal(t, "w1", claimed[0].LeaseWorker)

	// Leased entries are invisible to other workers until expiry.
	claimed, err = st.ClaimOutboxBatch(ctx, "w2", 10, 3, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clk.Advance(3 * time.Minute)
	claimed, err = st.ClaimOutboxBatch(ctx, "w2", 10, 3, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "expired lease is reclaimable")

	require.NoError(t, st.MarkOutboxFailed(ctx, id, "connection refused", clk.Now().Add(30*time.Second), false))
	e, err = st.GetOutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutboxFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "connection refused", e.LastError)

	// Not due yet.
	claimed, err = st.ClaimOutboxBatch(ctx, "w1", 10, 3, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clk.Advance(31 * time.Second)
	claimed, err = st.ClaimOutboxBatch(ctx, "w1", 10, 3, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, st.MarkOutboxSent(ctx, id, "mem-7"))
	e, err = st.GetOutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutboxSent, e.Status)
	assert.Equal(t, "memory_id=mem-7", e.LastError)
	assert.Empty(t, e.LeaseWorker)
}

func TestOutboxExhaustedRetriesNotClaimable(t *testing.T) {
	st := testStore(t)
	clk := newClock()
	st.WithClock(clk.Now)
	ctx := context.Background()

	id, err := st.EnqueueOutbox(ctx, "team:billing", "payload", "cafe")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.MarkOutboxFailed(ctx, id, "down", clk.Now(), false))
	}

	claimed, err := st.ClaimOutboxBatch(ctx, "w1", 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry_count at max must not be claimed")

	require.NoError(t, st.MarkOutboxFailed(ctx, id, "down", clk.Now(), true))
	e, err := st.GetOutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutboxDead, e.Status)
}

func TestOutboxStats(t *testing.T) {
	st := testStore(t)
	clk := newClock()
	st.WithClock(clk.Now)
	ctx := context.Background()

	id, err := st.EnqueueOutbox(ctx, "team:a", "p1", "sha1")
	require.NoError(t, err)
	require.NoError(t, st.MarkOutboxFailed(ctx, id, "x", clk.Now(), false))
	require.NoError(t, st.MarkOutboxSent(ctx, id, "mem-1"))
	_, err = st.EnqueueOutbox(ctx, "team:b", "p2", "sha2")
	require.NoError(t, err)

	clk.Advance(90 * time.Second)
	stats, err := st.GetOutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[OutboxSent])
	assert.Equal(t, 1, stats.ByStatus[OutboxPending])
	assert.InDelta(t, 0.5, stats.AvgRetryCount, 0.001)
	assert.Equal(t, int64(90), stats.OldestPendingAgeSeconds)
}

func TestAuditInsertCanonicalAndList(t *testing.T) {
	st := testStore(t)
	clk := newClock()
	st.WithClock(clk.Now)
	ctx := context.Background()

	first := AuditRow{
		ActorUserID: "alice",
		TargetSpace: "team:billing",
		Action:      AuditRedirect,
		Reason:      "openmemory_write_failed:network_error",
		PayloadSHA:  "deadbeef",
		Evidence: EvidenceRefs{
			Source:        "gateway",
			CorrelationID: "corr-00000000000000aa",
			OutboxID:      7,
			Error:         "connection refused",
		},
	}
	firstID, err := st.InsertAudit(ctx, first)
	require.NoError(t, err)
	_, err = uuid.Parse(firstID)
	require.NoError(t, err, "generated audit ids are uuids")

	clk.Advance(time.Minute)
	_, err = st.InsertAudit(ctx, AuditRow{
		ActorUserID: "outbox_worker",
		TargetSpace: "team:billing",
		Action:      AuditAllow,
		Reason:      "outbox_flush_success",
		PayloadSHA:  "deadbeef",
		Evidence:    EvidenceRefs{CorrelationID: "corr-00000000000000bb", OutboxID: 7, MemoryID: "mem-7"},
	})
	require.NoError(t, err)

	chain, err := st.ListAuditByPayloadSHA(ctx, "deadbeef")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, first.Evidence, chain[0].Evidence)
	assert.Equal(t, "outbox_flush_success", chain[1].Reason)
	assert.Equal(t, chain[0].Evidence.OutboxID, chain[1].Evidence.OutboxID)

	// Evidence refs land in RFC 8785 form: sorted keys, no insignificant
	// whitespace.
	var raw string
	err = st.DB().QueryRow(`SELECT evidence_refs FROM write_audit WHERE audit_id = $1`, firstID).Scan(&raw)
	require.NoError(t, err)
	assert.Equal(t,
		`{"correlation_id":"corr-00000000000000aa","error":"connection refused","outbox_id":7,"source":"gateway"}`,
		raw)

	stats, err := st.GetAuditStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByAction[AuditAllow])
	assert.Equal(t, 1, stats.ByAction[AuditRedirect])
	assert.Equal(t, 1, stats.ByReason["outbox_flush_success"])
	assert.Equal(t, 2, stats.Recent24h)
}

func TestTeamSettingsDefaultsAndUpsert(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	ts, err := st.GetTeamSettings(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ts.TeamWriteEnabled, "missing rows resolve permissive")
	assert.Equal(t, "{}", ts.PolicyJSON)

	ts.TeamWriteEnabled = false
	ts.PolicyJSON = `{"evidence_mode": "strict"}`
	require.NoError(t, st.UpsertTeamSettings(ctx, ts))

	got, err := st.GetTeamSettings(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, got.TeamWriteEnabled)
	assert.Equal(t, `{"evidence_mode": "strict"}`, got.PolicyJSON)
}

func TestLogbookDedupAndSearch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, hit, err := st.CheckDedup(ctx, "sha-x")
	require.NoError(t, err)
	assert.False(t, hit)

	// Deferred write: candidate recorded before the memory id exists.
	require.NoError(t, st.RecordCandidate(ctx, "sha-x", "", "team:billing", "gateway timeout loop"))
	kc, hit, err := st.CheckDedup(ctx, "sha-x")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Empty(t, kc.MemoryID)

	// The outbox flush fills the memory id; a later empty upsert keeps it.
	require.NoError(t, st.RecordCandidate(ctx, "sha-x", "mem-1", "team:billing", "gateway timeout loop"))
	require.NoError(t, st.RecordCandidate(ctx, "sha-x", "", "team:billing", "gateway timeout loop"))
	kc, _, err = st.CheckDedup(ctx, "sha-x")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", kc.MemoryID)

	hits, err := st.SearchCandidates(ctx, "gateway", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem-1", hits[0].MemoryID)
}

func TestEnsureRepoIdempotentAcrossURLVariants(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	a, err := st.EnsureRepo(ctx, RepoTypeGit, "https://GitLab.Example.com/Team/App.git", "acme", "main")
	require.NoError(t, err)
	b, err := st.EnsureRepo(ctx, RepoTypeGit, "http://gitlab.example.com/team/app/", "acme", "main")
	require.NoError(t, err)
	assert.Equal(t, a.RepoID, b.RepoID)
	assert.Equal(t, "https://gitlab.example.com/team/app", b.CanonicalURL)

	got, err := st.GetRepo(ctx, a.RepoID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.DefaultBranch)

	repos, err := st.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestEventUpsertConvergesOnLatest(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rev := SvnRevision{
		RepoID:   7,
		RevNum:   1042,
		TS:       time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC),
		Message:  "initial classification",
		SourceID: "svn:7:1042",
		Meta:     ChangeSummary{FilesChanged: 3, ChangedPaths: []string{"/trunk/a.go"}},
	}
	require.NoError(t, st.UpsertSvnRevision(ctx, rev))

	rev.Message = "reclassified"
	rev.IsBulk = true
	rev.BulkReason = "files_changed"
	require.NoError(t, st.UpsertSvnRevision(ctx, rev))

	got, err := st.GetSvnRevision(ctx, 7, 1042)
	require.NoError(t, err)
	assert.Equal(t, "reclassified", got.Message)
	assert.True(t, got.IsBulk)
	assert.Equal(t, "files_changed", got.BulkReason)
	assert.Equal(t, []string{"/trunk/a.go"}, got.Meta.ChangedPaths)

	commit := GitCommit{
		RepoID:    3,
		CommitSHA: "abc1234",
		TS:        time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		Message:   "fix retry loop",
		IsMerge:   true,
		SourceID:  "git:3:abc1234",
		Meta:      ChangeSummary{Additions: 4, Deletions: 1},
	}
	require.NoError(t, st.UpsertGitCommit(ctx, commit))
	gotC, err := st.GetGitCommit(ctx, 3, "abc1234")
	require.NoError(t, err)
	assert.True(t, gotC.IsMerge)
	assert.Equal(t, 4, gotC.Meta.Additions)
}

func TestSyncRunOpenClose(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := SyncRun{
		RunID:     uuid.New().String(),
		RepoID:    7,
		JobType:   JobTypeSVN,
		Mode:      "incremental",
		StartedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.OpenSyncRun(ctx, run))

	run.FinishedAt = run.StartedAt.Add(40 * time.Second)
	run.Status = "completed"
	run.CursorAfter = Watermark{Rev: 1042}
	run.Counts = RunCounts{Fetched: 6, Deduped: 2, Persisted: 4}
	require.NoError(t, st.CloseSyncRun(ctx, run))

	var status, counts string
	err := st.DB().QueryRow(`SELECT status, counts FROM sync_runs WHERE run_id = $1`, run.RunID).
		Scan(&status, &counts)
	require.NoError(t, err)
	assert.Equal(t, "completed", status)
	assert.Contains(t, counts, `"persisted":4`)
}

func TestAttachmentRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, err := st.InsertAttachment(ctx, Attachment{
		ItemID:    "mem-1",
		Kind:      "log",
		URI:       "pending",
		SHA256:    "ab12",
		SizeBytes: 128,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	canonical := fmt.Sprintf("memory://attachments/%d/ab12", id)
	require.NoError(t, st.FinalizeAttachmentURI(ctx, id, canonical))

	page, err := st.ListAttachments(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, canonical, page[0].URI)

	page, err = st.ListAttachments(ctx, id, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
