// Package identity is the registry of canonical identity strings: source IDs
// for SCM events, evidence URIs, correlation IDs and normalized repo URLs.
// Every other component builds and validates these through this package so
// the formats live in exactly one place.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Source types for SCM events.
const (
	SourceSVN = "svn"
	SourceGit = "git"
	SourceMR  = "mr"
)

var (
	svnSourceIDRe = regexp.MustCompile(`^svn:\d+:\d+$`)
	gitSourceIDRe = regexp.MustCompile(`^git:\d+:[a-f0-9]{7,40}$`)
	mrSourceIDRe  = regexp.MustCompile(`^mr:\d+:\d+$`)

	correlationIDRe = regexp.MustCompile(`^corr-[a-fA-F0-9]{16}$`)
	sha256Re        = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// SVNSourceID returns "svn:<repo>:<rev>".
func SVNSourceID(repoID int64, rev int64) string {
	return fmt.Sprintf("svn:%d:%d", repoID, rev)
}

// GitSourceID returns "git:<repo>:<sha>".
func GitSourceID(repoID int64, sha string) string {
	return fmt.Sprintf("git:%d:%s", repoID, sha)
}

// MRSourceID returns "mr:<repo>:<iid>".
func MRSourceID(repoID int64, iid int64) string {
	return fmt.Sprintf("mr:%d:%d", repoID, iid)
}

// ValidSourceID reports whether s matches one of the canonical source-id
// forms.
func ValidSourceID(s string) bool {
	return svnSourceIDRe.MatchString(s) || gitSourceIDRe.MatchString(s) || mrSourceIDRe.MatchString(s)
}

// ParseSourceID splits a canonical source id into its type, repo id and key.
func ParseSourceID(s string) (sourceType string, repoID int64, key string, err error) {
	if !ValidSourceID(s) {
		return "", 0, "", fmt.Errorf("malformed source id %q", s)
	}
	parts := strings.SplitN(s, ":", 3)
	var id int64
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return "", 0, "", fmt.Errorf("malformed repo id in %q: %w", s, err)
	}
	return parts[0], id, parts[2], nil
}

// ValidSHA256 reports whether s is a 64-char hex digest.
func ValidSHA256(s string) bool { return sha256Re.MatchString(s) }

// PatchBlobEvidenceURI returns the canonical evidence URI for a patch blob.
func PatchBlobEvidenceURI(sourceType, sourceID, sha256Hex string) string {
	return fmt.Sprintf("memory://patch_blobs/%s/%s/%s", sourceType, sourceID, sha256Hex)
}

// AttachmentEvidenceURI returns the canonical evidence URI for an attachment.
func AttachmentEvidenceURI(attachmentID int64, sha256Hex string) string {
	return fmt.Sprintf("memory://attachments/%d/%s", attachmentID, sha256Hex)
}

// EvidenceScheme extracts the scheme of an evidence URI ("memory",
// "artifact", "file", ...). Empty when the URI has no scheme.
func EvidenceScheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return uri[:i]
}

// ValidEvidenceURI enforces the legal scheme set for evidence URIs.
func ValidEvidenceURI(uri string) bool {
	switch EvidenceScheme(uri) {
	case "memory", "artifact", "file":
		return true
	}
	return false
}

// IsPatchBlobURI reports whether uri is in the memory://patch_blobs/ space.
func IsPatchBlobURI(uri string) bool {
	return strings.HasPrefix(uri, "memory://patch_blobs/")
}

// IsAttachmentURI reports whether uri is in the memory://attachments/ space.
func IsAttachmentURI(uri string) bool {
	return strings.HasPrefix(uri, "memory://attachments/")
}

// NewCorrelationID generates a fresh entry-level tracing token,
// format corr-<16 lowercase hex>. Generated exactly once per originating
// request or run; layers below the entrypoint must thread it, not remint it.
func NewCorrelationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process is in a bad state; a
		// constant id is still well-formed and keeps the write path alive.
		return "corr-0000000000000000"
	}
	return "corr-" + hex.EncodeToString(b[:])
}

// ValidCorrelationID reports whether s matches ^corr-[a-fA-F0-9]{16}$.
func ValidCorrelationID(s string) bool { return correlationIDRe.MatchString(s) }

// NormalizeRepoURL canonicalizes a repository URL: https scheme, lowercased
// host and path, no trailing slash, no ".git" suffix. Two URLs normalizing
// to the same string identify the same repo.
func NormalizeRepoURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("unparseable repo url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("repo url %q has no host", raw)
	}
	host := strings.ToLower(u.Host)
	path := strings.ToLower(u.Path)
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, ".git")
	return "https://" + host + path, nil
}
