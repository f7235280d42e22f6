// Package gateway is the write-gated front door for memory cards: it
// renders and fingerprints the card, runs policy, writes the audit trail
// and delivers to the external memory service, deferring to the outbox
// when delivery fails.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/engramhq/engram/pkg/errkind"
	"github.com/engramhq/engram/pkg/extmem"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/memcard"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/policy"
	"github.com/engramhq/engram/pkg/store"
)

// DB is the slice of the relational store the gateway uses.
type DB interface {
	CheckDedup(ctx context.Context, payloadSHA string) (store.KnowledgeCandidate, bool, error)
	RecordCandidate(ctx context.Context, payloadSHA, memoryID, targetSpace, summary string) error
	SearchCandidates(ctx context.Context, prefix string, limit int) ([]store.KnowledgeCandidate, error)
	GetTeamSettings(ctx context.Context, projectKey string) (store.TeamSettings, error)
	UpsertTeamSettings(ctx context.Context, ts store.TeamSettings) error
	InsertAudit(ctx context.Context, row store.AuditRow) (string, error)
	EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string) (int64, error)
	GetOutboxStats(ctx context.Context) (store.OutboxStats, error)
	GetAuditStats(ctx context.Context) (store.AuditStats, error)
}

// Memory is the external memory seam.
type Memory interface {
	Store(ctx context.Context, payloadMD string, metadata map[string]any) (string, error)
	Search(ctx context.Context, query string, filters map[string]any, limit int) ([]extmem.Hit, error)
	Ping(ctx context.Context) error
}

// Config tunes one gateway.
type Config struct {
	ProjectKey    string
	Limits        memcard.Limits
	SeekDBEnabled bool
	// ActorKnown decides whether an actor id is recognized. Nil means any
	// non-empty actor counts as known.
	ActorKnown func(actor string) bool
}

// Gateway composes renderer, policy, audit, outbox and external memory.
type Gateway struct {
	cfg     Config
	db      DB
	mem     Memory
	redis   *redis.Client // optional dedup fast path
	metrics *observability.Metrics
}

// New creates a gateway. redisClient may be nil.
func New(cfg Config, db DB, mem Memory, redisClient *redis.Client) *Gateway {
	if cfg.ActorKnown == nil {
		cfg.ActorKnown = func(actor string) bool { return actor != "" }
	}
	return &Gateway{cfg: cfg, db: db, mem: mem, redis: redisClient}
}

// WithMetrics attaches decision counters. Nil leaves recording off.
func (g *Gateway) WithMetrics(m *observability.Metrics) *Gateway {
	g.metrics = m
	return g
}

// StoreRequest is one incoming write.
type StoreRequest struct {
	Actor       string       `json:"actor"`
	TargetSpace string       `json:"target_space"`
	Card        memcard.Card `json:"card"`
}

// StoreResult is the memory_store response contract.
type StoreResult struct {
	OK            bool   `json:"ok"`
	Action        string `json:"action"` // allow | redirect | reject | deferred | error
	CorrelationID string `json:"correlation_id"`
	MemoryID      string `json:"memory_id,omitempty"`
	OutboxID      int64  `json:"outbox_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
}

// Store runs the write path. correlationID is minted once at the entry
// boundary and threaded into every audit row this request produces.
func (g *Gateway) Store(ctx context.Context, correlationID string, req StoreRequest) StoreResult {
	res := g.store(ctx, correlationID, req)
	g.metrics.RecordDecision(ctx, res.Action)
	return res
}

func (g *Gateway) store(ctx context.Context, correlationID string, req StoreRequest) StoreResult {
	payloadMD, payloadSHA := memcard.Render(req.Card, g.cfg.Limits)

	if cand, hit := g.dedup(ctx, payloadSHA); hit {
		return StoreResult{OK: true, Action: policy.ActionAllow, CorrelationID: correlationID,
			MemoryID: cand.MemoryID, Reason: "dedup_hit"}
	}

	settingsRow, err := g.db.GetTeamSettings(ctx, g.cfg.ProjectKey)
	if err != nil {
		return g.errorResult(correlationID, "settings_unavailable", err)
	}
	settings, err := policy.ParseSettings(settingsRow)
	if err != nil {
		return g.errorResult(correlationID, "settings_invalid", err)
	}

	decision := policy.Decide(policy.Input{
		Actor:       req.Actor,
		ActorKnown:  g.cfg.ActorKnown(req.Actor),
		TargetSpace: req.TargetSpace,
		Kind:        req.Card.Kind,
		Evidence:    req.Card.Evidence,
	}, settings)

	if decision.Action == policy.ActionReject {
		if _, err := g.db.InsertAudit(ctx, store.AuditRow{
			ActorUserID: req.Actor,
			TargetSpace: req.TargetSpace,
			Action:      store.AuditReject,
			Reason:      decision.Reason,
			PayloadSHA:  payloadSHA,
			Evidence:    store.EvidenceRefs{Source: "gateway", CorrelationID: correlationID},
		}); err != nil {
			return g.errorResult(correlationID, "audit_write_failed", err)
		}
		return StoreResult{OK: false, Action: policy.ActionReject,
			CorrelationID: correlationID, Reason: decision.Reason}
	}

	finalSpace := decision.FinalSpace
	memoryID, storeErr := g.mem.Store(ctx, payloadMD, map[string]any{"space": finalSpace})
	if storeErr != nil {
		return g.deferWrite(ctx, correlationID, req, finalSpace, payloadMD, payloadSHA, storeErr)
	}

	if _, err := g.db.InsertAudit(ctx, store.AuditRow{
		ActorUserID: req.Actor,
		TargetSpace: finalSpace,
		Action:      decision.Action,
		Reason:      decision.Reason,
		PayloadSHA:  payloadSHA,
		Evidence: store.EvidenceRefs{Source: "gateway", CorrelationID: correlationID,
			MemoryID: memoryID},
	}); err != nil {
		// External memory already holds the write and stays authoritative;
		// the request still fails closed on the missing audit row.
		return g.errorResult(correlationID, "audit_write_failed", err)
	}

	if err := g.db.RecordCandidate(ctx, payloadSHA, memoryID, finalSpace, req.Card.Summary); err != nil {
		slog.Warn("gateway: logbook record failed", "payload_sha", payloadSHA, "error", err)
	}
	g.cacheDedup(ctx, payloadSHA, memoryID)

	return StoreResult{OK: true, Action: decision.Action,
		CorrelationID: correlationID, MemoryID: memoryID, Reason: decision.Reason}
}

// deferWrite handles a failed external write: enqueue first so the failure
// audit can embed the outbox id.
func (g *Gateway) deferWrite(ctx context.Context, correlationID string, req StoreRequest, finalSpace, payloadMD, payloadSHA string, storeErr error) StoreResult {
	outboxID, err := g.db.EnqueueOutbox(ctx, finalSpace, payloadMD, payloadSHA)
	if err != nil {
		slog.Error("gateway: outbox enqueue failed after memory failure",
			"correlation_id", correlationID, "error", err)
		return StoreResult{OK: false, Action: "error", CorrelationID: correlationID,
			Reason: "audit_or_outbox_write_failed"}
	}

	kind := errkind.KindOf(storeErr)
	if _, err := g.db.InsertAudit(ctx, store.AuditRow{
		ActorUserID: req.Actor,
		TargetSpace: finalSpace,
		Action:      store.AuditRedirect,
		Reason:      "openmemory_write_failed:" + string(kind),
		PayloadSHA:  payloadSHA,
		Evidence: store.EvidenceRefs{Source: "gateway", CorrelationID: correlationID,
			OutboxID: outboxID, Error: redactError(storeErr)},
	}); err != nil {
		return StoreResult{OK: false, Action: "error", CorrelationID: correlationID,
			Reason: "audit_or_outbox_write_failed"}
	}

	return StoreResult{OK: false, Action: "deferred", CorrelationID: correlationID,
		OutboxID: outboxID, Reason: "openmemory_write_failed:" + string(kind)}
}

func (g *Gateway) errorResult(correlationID, reason string, err error) StoreResult {
	api := errkind.ToAPI(err, suggestionFor(err))
	slog.Error("gateway: store failed", "correlation_id", correlationID, "reason", reason, "error", err)
	return StoreResult{OK: false, Action: "error", CorrelationID: correlationID,
		Reason: reason, Suggestion: api.Suggestion}
}

// dedup checks Redis first when configured, then the logbook.
func (g *Gateway) dedup(ctx context.Context, payloadSHA string) (store.KnowledgeCandidate, bool) {
	if g.redis != nil {
		if memoryID, err := g.redis.Get(ctx, "dedup:"+payloadSHA).Result(); err == nil && memoryID != "" {
			return store.KnowledgeCandidate{PayloadSHA: payloadSHA, MemoryID: memoryID}, true
		}
	}
	cand, hit, err := g.db.CheckDedup(ctx, payloadSHA)
	if err != nil {
		slog.Warn("gateway: dedup check failed", "payload_sha", payloadSHA, "error", err)
		return store.KnowledgeCandidate{}, false
	}
	return cand, hit
}

func (g *Gateway) cacheDedup(ctx context.Context, payloadSHA, memoryID string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Set(ctx, "dedup:"+payloadSHA, memoryID, 0).Err(); err != nil {
		slog.Debug("gateway: dedup cache set failed", "error", err)
	}
}

// QueryResult is the memory_query response.
type QueryResult struct {
	OK            bool         `json:"ok"`
	CorrelationID string       `json:"correlation_id"`
	Hits          []extmem.Hit `json:"hits"`
	Degraded      bool         `json:"degraded,omitempty"`
	Fallback      string       `json:"fallback,omitempty"`
}

// Query searches external memory, falling back to the logbook when the
// service is down.
func (g *Gateway) Query(ctx context.Context, correlationID, query string, filters map[string]any, limit int) QueryResult {
	if limit <= 0 {
		limit = 20
	}
	hits, err := g.mem.Search(ctx, query, filters, limit)
	if err == nil {
		return QueryResult{OK: true, CorrelationID: correlationID, Hits: hits}
	}
	slog.Warn("gateway: search degraded to logbook", "correlation_id", correlationID, "error", err)

	cands, ferr := g.db.SearchCandidates(ctx, query, limit)
	if ferr != nil {
		return QueryResult{OK: false, CorrelationID: correlationID, Degraded: true, Fallback: "logbook"}
	}
	fallback := make([]extmem.Hit, 0, len(cands))
	for _, c := range cands {
		fallback = append(fallback, extmem.Hit{MemoryID: c.MemoryID, Payload: c.Summary})
	}
	return QueryResult{OK: true, CorrelationID: correlationID, Hits: fallback,
		Degraded: true, Fallback: "logbook"}
}

// ReliabilityReport is the C14 aggregate.
type ReliabilityReport struct {
	OK          bool              `json:"ok"`
	OutboxStats store.OutboxStats `json:"outbox_stats"`
	AuditStats  store.AuditStats  `json:"audit_stats"`
	GeneratedAt string            `json:"generated_at"`
}

// Report aggregates outbox and audit health.
func (g *Gateway) Report(ctx context.Context, generatedAt string) (ReliabilityReport, error) {
	outbox, err := g.db.GetOutboxStats(ctx)
	if err != nil {
		return ReliabilityReport{}, fmt.Errorf("outbox stats: %w", err)
	}
	audit, err := g.db.GetAuditStats(ctx)
	if err != nil {
		return ReliabilityReport{}, fmt.Errorf("audit stats: %w", err)
	}
	return ReliabilityReport{OK: true, OutboxStats: outbox, AuditStats: audit, GeneratedAt: generatedAt}, nil
}

// GovernanceUpdate flips team write and replaces the policy document for
// the project.
func (g *Gateway) GovernanceUpdate(ctx context.Context, teamWriteEnabled bool, policyJSON string) error {
	if policyJSON != "" {
		// Reject documents that would break every later decision.
		if _, err := policy.ParseSettings(store.TeamSettings{
			ProjectKey: g.cfg.ProjectKey, TeamWriteEnabled: true, PolicyJSON: policyJSON,
		}); err != nil {
			return errkind.Wrap(errkind.ValidationError, "policy document rejected", err)
		}
	}
	return g.db.UpsertTeamSettings(ctx, store.TeamSettings{
		ProjectKey:       g.cfg.ProjectKey,
		TeamWriteEnabled: teamWriteEnabled,
		PolicyJSON:       policyJSON,
	})
}

// redactError trims an error for audit storage: kind plus a bounded
// message with anything secret-shaped removed upstream.
func redactError(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "PRIVATE-TOKEN"); i >= 0 {
		msg = msg[:i] + "[redacted]"
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}

func suggestionFor(err error) string {
	switch errkind.KindOf(err) {
	case errkind.ContentTooLarge:
		return "store large evidence in external storage and reference it by uri"
	case errkind.DependencyError:
		return "install the missing dependency or set STEP3_PGVECTOR_AUTO_INIT=0"
	case errkind.NetworkError, errkind.Timeout:
		return "check OPENMEMORY_BASE_URL connectivity; the write was preserved in the outbox when deferred"
	}
	return ""
}

// ensure the interface stays aligned with the concrete client.
var _ Memory = (*extmem.Client)(nil)

// HealthStatus is the /health body.
type HealthStatus struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Service string `json:"service"`
	SeekDB  string `json:"seekdb"`
}

// Health reports liveness. The seekdb field tells operators whether the
// optional index backend is compiled into the deployment.
func (g *Gateway) Health() HealthStatus {
	seekdb := "disabled"
	if g.cfg.SeekDBEnabled {
		seekdb = "enabled"
	}
	return HealthStatus{OK: true, Status: "ok", Service: "memory-gateway", SeekDB: seekdb}
}

// NewCorrelationID re-exports the identity helper so HTTP and MCP layers
// mint ids from one place.
func NewCorrelationID() string { return identity.NewCorrelationID() }
