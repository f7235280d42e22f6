package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/engramhq/engram/pkg/memcard"
	"github.com/engramhq/engram/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settings(t *testing.T, teamWrite bool, policyJSON string) Settings {
	t.Helper()
	s, err := ParseSettings(store.TeamSettings{
		ProjectKey:       "acme",
		TeamWriteEnabled: teamWrite,
		PolicyJSON:       policyJSON,
	})
	require.NoError(t, err)
	return s
}

func validEvidence() []memcard.Evidence {
	sum := sha256.Sum256([]byte("blob"))
	return []memcard.Evidence{{URI: "memory://patch_blobs/x", SHA256: hex.EncodeToString(sum[:])}}
}

func TestDecideTeamWriteDisabledRedirects(t *testing.T) {
	s := settings(t, false, "")
	d := Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:billing"}, s)
	assert.Equal(t, ActionRedirect, d.Action)
	assert.Equal(t, "policy:team_write_disabled", d.Reason)
	assert.Equal(t, "private:alice", d.FinalSpace)

	// Already-private writes pass the gate.
	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "private:alice"}, s)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "private:alice", d.FinalSpace)
}

func TestDecideUnknownActor(t *testing.T) {
	reject := settings(t, true, `{"unknown_actor_policy": "reject"}`)
	d := Decide(Input{Actor: "ghost", TargetSpace: "team:x"}, reject)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "policy:unknown_actor", d.Reason)

	degrade := settings(t, true, `{"unknown_actor_policy": "degrade"}`)
	d = Decide(Input{Actor: "ghost", TargetSpace: "team:x"}, degrade)
	assert.Equal(t, ActionRedirect, d.Action)
	assert.Equal(t, "policy:unknown_actor_degraded", d.Reason)
	assert.Equal(t, "private:ghost", d.FinalSpace)

	// Default policy lets unknown actors through.
	open := settings(t, true, "")
	d = Decide(Input{Actor: "ghost", TargetSpace: "team:x"}, open)
	assert.Equal(t, ActionAllow, d.Action)
}

func TestDecideEvidenceRules(t *testing.T) {
	strict := settings(t, true, `{"evidence_mode": "strict"}`)

	d := Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x"}, strict)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "evidence:required", d.Reason)

	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Evidence: validEvidence()}, strict)
	assert.Equal(t, ActionAllow, d.Action)

	bad := []memcard.Evidence{{URI: "ftp://host/x", SHA256: validEvidence()[0].SHA256}}
	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Evidence: bad}, strict)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "evidence:invalid", d.Reason)

	// compat mode skips evidence checks entirely.
	compat := settings(t, true, "")
	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Evidence: bad}, compat)
	assert.Equal(t, ActionAllow, d.Action)
}

func TestDecideCELRules(t *testing.T) {
	s := settings(t, true, `{"cel_rules": ["kind != 'secret'", "evidence_count >= 1"]}`)

	d := Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Kind: "incident", Evidence: validEvidence()}, s)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "policy_passed", d.Reason)

	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Kind: "secret", Evidence: validEvidence()}, s)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "policy:cel_denied", d.Reason)

	d = Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x", Kind: "incident"}, s)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "policy:cel_denied", d.Reason)
}

func TestParseSettingsErrors(t *testing.T) {
	_, err := ParseSettings(store.TeamSettings{ProjectKey: "acme", PolicyJSON: "{not json"})
	assert.Error(t, err)

	_, err = ParseSettings(store.TeamSettings{ProjectKey: "acme", PolicyJSON: `{"cel_rules": ["kind ==="]}`})
	assert.Error(t, err)

	// Non-boolean rules compile but fail closed at decision time.
	s := settings(t, true, `{"cel_rules": ["actor"]}`)
	d := Decide(Input{Actor: "alice", ActorKnown: true, TargetSpace: "team:x"}, s)
	assert.Equal(t, ActionReject, d.Action)
	assert.Equal(t, "policy:cel_denied", d.Reason)
}
