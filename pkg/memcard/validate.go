package memcard

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/engramhq/engram/pkg/identity"
)

// cardSchema is the wire contract for incoming cards. Compiled once at
// package init; a broken schema is a programmer error.
const cardSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["kind", "owner", "summary"],
	"properties": {
		"kind":       {"type": "string", "minLength": 1},
		"owner":      {"type": "string", "minLength": 1},
		"module":     {"type": "string"},
		"summary":    {"type": "string", "minLength": 1},
		"details":    {"type": "array", "items": {"type": "string"}},
		"evidence": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["uri", "sha256"],
				"properties": {
					"uri":        {"type": "string", "minLength": 1},
					"sha256":     {"type": "string", "pattern": "^[a-fA-F0-9]{64}$"},
					"event_id":   {"type": "string"},
					"svn_rev":    {"type": "integer", "minimum": 0},
					"git_commit": {"type": "string"},
					"mr":         {"type": "integer", "minimum": 0}
				}
			}
		},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"visibility": {"type": "string"},
		"ttl":        {"type": "string"}
	}
}`

var compiledSchema = jsonschema.MustCompileString("card.schema.json", cardSchema)

// ValidateJSON checks a decoded card document against the wire schema.
func ValidateJSON(doc any) error {
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("card schema: %w", err)
	}
	return nil
}

// evidence URIs on cards allow the memory schemes plus direct SCM and web
// references.
var cardEvidenceSchemes = map[string]bool{
	"memory": true,
	"svn":    true,
	"git":    true,
	"https":  true,
}

// ValidateEvidence enforces the scheme set and digest format on every
// evidence entry.
func ValidateEvidence(evidence []Evidence) error {
	for i, ev := range evidence {
		scheme := identity.EvidenceScheme(ev.URI)
		if scheme == "" {
			// svn:/git: source ids have no "://"; accept their prefix form.
			if strings.HasPrefix(ev.URI, "svn:") || strings.HasPrefix(ev.URI, "git:") {
				scheme = ev.URI[:3]
			}
		}
		if !cardEvidenceSchemes[scheme] {
			return fmt.Errorf("evidence[%d]: scheme %q not allowed", i, scheme)
		}
		if !identity.ValidSHA256(ev.SHA256) {
			return fmt.Errorf("evidence[%d]: malformed sha256", i)
		}
	}
	return nil
}
