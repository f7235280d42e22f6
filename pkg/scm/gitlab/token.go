// Package gitlab implements the GitLab HTTP adapter: token sourcing,
// rate limiting, retry with jittered backoff, and uniform error
// classification for the sync pipelines.
package gitlab

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// TokenProvider supplies the API token. Implementations must support
// rotation: Token is called per request, never cached by the client.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// NewTokenProvider builds a provider for the configured source:
//
//	env:  value names an environment variable holding the token
//	file: value is a path; the file is re-read on a short TTL
//	exec: value is a command whose stdout is the token
func NewTokenProvider(source, value string) (TokenProvider, error) {
	switch source {
	case "env":
		return envTokenProvider{name: value}, nil
	case "file":
		return &fileTokenProvider{path: value, ttl: 30 * time.Second}, nil
	case "exec":
		return execTokenProvider{command: value}, nil
	default:
		return nil, fmt.Errorf("unknown token source %q", source)
	}
}

type envTokenProvider struct{ name string }

func (p envTokenProvider) Token(ctx context.Context) (string, error) {
	tok := os.Getenv(p.name)
	if tok == "" {
		return "", fmt.Errorf("token env var %s is empty", p.name)
	}
	return tok, nil
}

type fileTokenProvider struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

func (p *fileTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" && time.Since(p.cachedAt) < p.ttl {
		return p.cached, nil
	}
	data, err := os.ReadFile(p.path) //nolint:gosec // operator-supplied path
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", p.path)
	}
	p.cached = tok
	p.cachedAt = time.Now()
	return tok, nil
}

type execTokenProvider struct{ command string }

func (p execTokenProvider) Token(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.command) //nolint:gosec // operator-supplied command
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("token command failed: %w", err)
	}
	tok := strings.TrimSpace(string(out))
	if tok == "" {
		return "", fmt.Errorf("token command produced no output")
	}
	return tok, nil
}
