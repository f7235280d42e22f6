package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceIDRoundTrip(t *testing.T) {
	cases := []struct {
		id         string
		sourceType string
		repoID     int64
		key        string
	}{
		{SVNSourceID(7, 1042), "svn", 7, "1042"},
		{GitSourceID(12, "a3f9c2d1e0b45678"), "git", 12, "a3f9c2d1e0b45678"},
		{MRSourceID(3, 991), "mr", 3, "991"},
	}
	for _, c := range cases {
		require.True(t, ValidSourceID(c.id), c.id)
		sourceType, repoID, key, err := ParseSourceID(c.id)
		require.NoError(t, err)
		assert.Equal(t, c.sourceType, sourceType)
		assert.Equal(t, c.repoID, repoID)
		assert.Equal(t, c.key, key)
	}
}

func TestParseSourceIDRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"svn:7",
		"svn:7:r1042",
		"git:12:XYZ",
		"git:12:abc",                    // too short for a sha
		"hg:1:5",
		"mr:abc:5",
		"svn:7:1042:extra",
	}
	for _, s := range bad {
		assert.False(t, ValidSourceID(s), s)
		_, _, _, err := ParseSourceID(s)
		assert.Error(t, err, s)
	}
}

func TestEvidenceURIs(t *testing.T) {
	uri := PatchBlobEvidenceURI("svn", "svn:7:1042", "deadbeef")
	assert.Equal(t, "memory://patch_blobs/svn/svn:7:1042/deadbeef", uri)
	assert.True(t, IsPatchBlobURI(uri))
	assert.True(t, ValidEvidenceURI(uri))

	att := AttachmentEvidenceURI(55, "cafe")
	assert.Equal(t, "memory://attachments/55/cafe", att)
	assert.True(t, IsAttachmentURI(att))

	assert.True(t, ValidEvidenceURI("artifact:///scm/p/1/svn/r9/x.diff"))
	assert.True(t, ValidEvidenceURI("file:///tmp/x"))
	assert.False(t, ValidEvidenceURI("https://example.com/x"))
	assert.False(t, ValidEvidenceURI("no-scheme"))
}

func TestCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	assert.True(t, ValidCorrelationID(id), id)
	assert.NotEqual(t, id, NewCorrelationID())

	assert.False(t, ValidCorrelationID("corr-123"))
	assert.False(t, ValidCorrelationID("CORR-0123456789abcdef"))
	assert.False(t, ValidCorrelationID("corr-0123456789abcdefff"))
}

func TestNormalizeRepoURL(t *testing.T) {
	cases := map[string]string{
		"https://GitLab.Example.COM/Team/Repo.git": "https://gitlab.example.com/team/repo",
		"http://gitlab.example.com/team/repo/":     "https://gitlab.example.com/team/repo",
		"  https://svn.example.com/proj ":          "https://svn.example.com/proj",
	}
	for raw, want := range cases {
		got, err := NormalizeRepoURL(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}

	_, err := NormalizeRepoURL("/just/a/path")
	assert.Error(t, err)
}
