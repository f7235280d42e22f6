// Package memcard renders structured memory cards to canonical Markdown.
// Rendering is byte-deterministic: the same card always produces the same
// bytes and therefore the same payload sha, which downstream components use
// for dedup and audit correlation.
package memcard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Evidence is one typed pointer attached to a card.
type Evidence struct {
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	EventID   string `json:"event_id,omitempty"`
	SvnRev    int64  `json:"svn_rev,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	MR        int64  `json:"mr,omitempty"`
}

// Card is the renderer input.
type Card struct {
	Kind       string     `json:"kind"`
	Owner      string     `json:"owner"`
	Module     string     `json:"module"`
	Summary    string     `json:"summary"`
	Details    []string   `json:"details,omitempty"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	Confidence float64    `json:"confidence"`
	Visibility string     `json:"visibility"`
	TTL        string     `json:"ttl,omitempty"`
}

// Limits caps the rendered output. Zero fields take the defaults.
type Limits struct {
	SummaryMax  int
	DetailMax   int
	MaxDetails  int
	MaxEvidence int
	MaxTotal    int
}

// DefaultLimits are the production caps.
var DefaultLimits = Limits{
	SummaryMax:  200,
	DetailMax:   500,
	MaxDetails:  10,
	MaxEvidence: 10,
	MaxTotal:    4000,
}

var (
	diffRe = regexp.MustCompile(`(?m)^([-+]{3}\s|@@\s|diff --git|Index:)`)
	logRe  = regexp.MustCompile(`(?m)^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}|\[(INFO|WARN|WARNING|ERROR|DEBUG)\])`)
)

// Render produces the canonical Markdown and its payload sha. Raw diffs and
// logs never survive into the output; they are replaced by a pointer block
// carrying the sha of the removed content.
func Render(card Card, lim Limits) (string, string) {
	lim = lim.withDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "[Kind] %s\n", card.Kind)
	fmt.Fprintf(&b, "[Owner] %s\n", card.Owner)
	fmt.Fprintf(&b, "[Module] %s\n", card.Module)
	fmt.Fprintf(&b, "[Visibility] %s\n", card.Visibility)
	fmt.Fprintf(&b, "[TTL] %s\n", card.TTL)
	fmt.Fprintf(&b, "[Confidence] %.2f\n", card.Confidence)

	b.WriteString("[Summary]\n")
	b.WriteString(trimRunes(collapseLines(card.Summary), lim.SummaryMax))
	b.WriteString("\n")

	details := card.Details
	if len(details) > lim.MaxDetails {
		slog.Info("memcard: dropping details over cap", "dropped", len(details)-lim.MaxDetails)
		details = details[:lim.MaxDetails]
	}
	if len(details) > 0 {
		b.WriteString("[Details]\n")
		for i, d := range details {
			fmt.Fprintf(&b, "%d. %s\n", i+1, renderDetail(card, d, lim.DetailMax))
		}
	}

	evidence := card.Evidence
	if len(evidence) > lim.MaxEvidence {
		slog.Info("memcard: dropping evidence over cap", "dropped", len(evidence)-lim.MaxEvidence)
		evidence = evidence[:lim.MaxEvidence]
	}
	if len(evidence) > 0 {
		b.WriteString("[Evidence]\n")
		for _, ev := range evidence {
			b.WriteString(renderEvidence(ev))
		}
	}

	rendered := truncateUTF8(b.String(), lim.MaxTotal)
	return rendered, PayloadSHA(rendered)
}

// PayloadSHA is the dedup and audit correlation key of a rendered card.
func PayloadSHA(rendered string) string {
	sum := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(sum[:])
}

// renderDetail trims one detail, replacing diff and log bodies with a
// pointer block so raw machine output never lands in a card.
func renderDetail(card Card, detail string, maxLen int) string {
	kind := ""
	switch {
	case diffRe.MatchString(detail):
		kind = "diff"
	case logRe.MatchString(detail):
		kind = "log"
	}
	if kind != "" {
		sum := sha256.Sum256([]byte(detail))
		return fmt.Sprintf("[%s 内容已移除，仅保留指针] uri=%s sha256=%s",
			kind, pointerURI(card, hex.EncodeToString(sum[:])), hex.EncodeToString(sum[:]))
	}
	return trimRunes(collapseLines(detail), maxLen)
}

// pointerURI picks the reference target for removed content: the card's
// first memory evidence when present, else a content-keyed fallback.
func pointerURI(card Card, sha string) string {
	for _, ev := range card.Evidence {
		if strings.HasPrefix(ev.URI, "memory://") {
			return ev.URI
		}
	}
	return "memory://trimmed/" + sha
}

func renderEvidence(ev Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- uri=%s sha256=%s", ev.URI, strings.ToLower(ev.SHA256))
	if ev.EventID != "" {
		fmt.Fprintf(&b, " event_id=%s", ev.EventID)
	}
	if ev.SvnRev > 0 {
		fmt.Fprintf(&b, " svn_rev=%d", ev.SvnRev)
	}
	if ev.GitCommit != "" {
		fmt.Fprintf(&b, " git_commit=%s", ev.GitCommit)
	}
	if ev.MR > 0 {
		fmt.Fprintf(&b, " mr=%d", ev.MR)
	}
	b.WriteString("\n")
	return b.String()
}

func (l Limits) withDefaults() Limits {
	if l.SummaryMax <= 0 {
		l.SummaryMax = DefaultLimits.SummaryMax
	}
	if l.DetailMax <= 0 {
		l.DetailMax = DefaultLimits.DetailMax
	}
	if l.MaxDetails <= 0 {
		l.MaxDetails = DefaultLimits.MaxDetails
	}
	if l.MaxEvidence <= 0 {
		l.MaxEvidence = DefaultLimits.MaxEvidence
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = DefaultLimits.MaxTotal
	}
	return l
}

// collapseLines folds newlines so multi-line text stays within one numbered
// entry.
func collapseLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// trimRunes cuts at a rune boundary so truncation never splits UTF-8.
func trimRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// truncateUTF8 caps the whole document, cutting at a rune boundary.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	for len(string(r)) > max {
		r = r[:len(r)-1]
	}
	return string(r)
}
