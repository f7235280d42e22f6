// Package policy decides what happens to a memory write: allow it through,
// redirect it to the actor's private space, or reject it. Decisions are
// pure functions of the input and the per-project settings row.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/engramhq/engram/pkg/memcard"
	"github.com/engramhq/engram/pkg/store"
)

// Actions.
const (
	ActionAllow    = "allow"
	ActionRedirect = "redirect"
	ActionReject   = "reject"
)

// Unknown-actor policies.
const (
	UnknownActorAllow   = "allow"
	UnknownActorDegrade = "degrade"
	UnknownActorReject  = "reject"
)

// PolicyJSON is the persisted shape of team_settings.policy_json.
type PolicyJSON struct {
	EvidenceMode         string   `json:"evidence_mode,omitempty"` // compat | strict
	PrivateSpacePrefix   string   `json:"private_space_prefix,omitempty"`
	UnknownActorPolicy   string   `json:"unknown_actor_policy,omitempty"`
	ValidateEvidenceRefs bool     `json:"validate_evidence_refs,omitempty"`
	CELRules             []string `json:"cel_rules,omitempty"`
}

// Settings is a parsed, compile-once view of one team_settings row.
type Settings struct {
	TeamWriteEnabled bool
	Policy           PolicyJSON
	programs         []cel.Program
}

// Input is one write to judge.
type Input struct {
	Actor       string
	ActorKnown  bool
	TargetSpace string
	Kind        string
	Evidence    []memcard.Evidence
}

// Decision is the verdict.
type Decision struct {
	Action     string
	Reason     string
	FinalSpace string
}

var celEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("space", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("evidence_count", cel.IntType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: cel env: %v", err))
	}
	return env
}

// ParseSettings decodes and compiles one settings row. Compilation failures
// surface here, not at decision time.
func ParseSettings(ts store.TeamSettings) (Settings, error) {
	s := Settings{TeamWriteEnabled: ts.TeamWriteEnabled}
	if ts.PolicyJSON != "" {
		if err := json.Unmarshal([]byte(ts.PolicyJSON), &s.Policy); err != nil {
			return Settings{}, fmt.Errorf("policy_json for %s: %w", ts.ProjectKey, err)
		}
	}
	if s.Policy.PrivateSpacePrefix == "" {
		s.Policy.PrivateSpacePrefix = "private:"
	}
	if s.Policy.UnknownActorPolicy == "" {
		s.Policy.UnknownActorPolicy = UnknownActorAllow
	}

	for _, rule := range s.Policy.CELRules {
		ast, issues := celEnv.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return Settings{}, fmt.Errorf("cel rule %q: %w", rule, issues.Err())
		}
		prog, err := celEnv.Program(ast)
		if err != nil {
			return Settings{}, fmt.Errorf("cel rule %q: %w", rule, err)
		}
		s.programs = append(s.programs, prog)
	}
	return s, nil
}

// Decide applies the rules in a fixed order: team-write gate, unknown-actor
// policy, evidence validation, then custom CEL rules.
func Decide(in Input, s Settings) Decision {
	private := s.Policy.PrivateSpacePrefix + in.Actor

	if !s.TeamWriteEnabled && !strings.HasPrefix(in.TargetSpace, s.Policy.PrivateSpacePrefix) {
		return Decision{Action: ActionRedirect, Reason: "policy:team_write_disabled", FinalSpace: private}
	}

	if !in.ActorKnown {
		switch s.Policy.UnknownActorPolicy {
		case UnknownActorReject:
			return Decision{Action: ActionReject, Reason: "policy:unknown_actor"}
		case UnknownActorDegrade:
			return Decision{Action: ActionRedirect, Reason: "policy:unknown_actor_degraded", FinalSpace: private}
		}
	}

	if s.Policy.ValidateEvidenceRefs || s.Policy.EvidenceMode == "strict" {
		if err := memcard.ValidateEvidence(in.Evidence); err != nil {
			return Decision{Action: ActionReject, Reason: "evidence:invalid"}
		}
		if s.Policy.EvidenceMode == "strict" && len(in.Evidence) == 0 {
			return Decision{Action: ActionReject, Reason: "evidence:required"}
		}
	}

	vars := map[string]any{
		"actor":          in.Actor,
		"space":          in.TargetSpace,
		"kind":           in.Kind,
		"evidence_count": int64(len(in.Evidence)),
	}
	for _, prog := range s.programs {
		out, _, err := prog.Eval(vars)
		if err != nil {
			return Decision{Action: ActionReject, Reason: "policy:cel_error"}
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			return Decision{Action: ActionReject, Reason: "policy:cel_denied"}
		}
	}

	return Decision{Action: ActionAllow, Reason: "policy_passed", FinalSpace: in.TargetSpace}
}
