package memcard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestValidateJSON(t *testing.T) {
	good := `{
		"kind": "incident",
		"owner": "alice",
		"summary": "gateway timeout loop",
		"evidence": [{"uri": "memory://patch_blobs/x", "sha256": "` + fakeSHA("e") + `"}],
		"confidence": 0.9
	}`
	assert.NoError(t, ValidateJSON(decode(t, good)))

	missing := `{"kind": "incident", "summary": "no owner"}`
	assert.Error(t, ValidateJSON(decode(t, missing)))

	badSHA := `{
		"kind": "incident", "owner": "a", "summary": "s",
		"evidence": [{"uri": "memory://x", "sha256": "nothex"}]
	}`
	assert.Error(t, ValidateJSON(decode(t, badSHA)))

	badConfidence := `{"kind": "k", "owner": "o", "summary": "s", "confidence": 1.5}`
	assert.Error(t, ValidateJSON(decode(t, badConfidence)))
}

func TestValidateEvidence(t *testing.T) {
	sha := fakeSHA("blob")
	good := []Evidence{
		{URI: "memory://patch_blobs/svn/svn:7:10/" + sha, SHA256: sha},
		{URI: "svn:7:1042", SHA256: sha},
		{URI: "git:3:abc1234def", SHA256: sha},
		{URI: "https://gitlab.example.com/g/p/-/commit/abc", SHA256: sha},
	}
	assert.NoError(t, ValidateEvidence(good))

	assert.Error(t, ValidateEvidence([]Evidence{{URI: "file:///etc/passwd", SHA256: sha}}))
	assert.Error(t, ValidateEvidence([]Evidence{{URI: "ftp://host/x", SHA256: sha}}))
	assert.Error(t, ValidateEvidence([]Evidence{{URI: "memory://x", SHA256: "short"}}))
	assert.Error(t, ValidateEvidence([]Evidence{{URI: "", SHA256: sha}}))
}
