// Package svn shells out to the SVN CLI and normalizes outcomes into a
// uniform tagged result. The adapter never returns raw exec errors across
// its boundary; callers branch on the result kind.
package svn

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/engramhq/engram/pkg/errkind"
)

// Result is the uniform outcome of one SVN invocation.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
	Kind    errkind.Kind // timeout | auth_error | command_error on failure
	Message string
}

// Config carries credentials and the per-command timeout.
type Config struct {
	Username       string
	Password       string
	CommandTimeout time.Duration
}

// Adapter executes svn commands.
type Adapter struct {
	cfg Config
	// runCommand is swapped in tests to avoid spawning processes.
	runCommand func(ctx context.Context, args []string) (stdout, stderr string, exitErr error)
}

// New creates an SVN adapter.
func New(cfg Config) *Adapter {
	a := &Adapter{cfg: cfg}
	a.runCommand = a.execute
	return a
}

// stderr keywords that mark authentication failures.
var authMarkers = []string{
	"authorization failed",
	"svn: E170001",
	"svn: E215004",
	"svn: E175013",
}

// baseArgs injects the non-interactive flags and credentials every
// invocation carries.
func (a *Adapter) baseArgs() []string {
	args := []string{"--non-interactive", "--trust-server-cert-failures=unknown-ca"}
	if a.cfg.Username != "" {
		args = append(args, "--username", a.cfg.Username)
	}
	if a.cfg.Password != "" {
		args = append(args, "--password", a.cfg.Password)
	}
	return args
}

// redact replaces the password value in a logged command string.
func redact(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--password" {
			out[i+1] = "****"
		}
	}
	return "svn " + strings.Join(out, " ")
}

func (a *Adapter) execute(ctx context.Context, args []string) (string, string, error) {
	timeout := a.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "svn", args...) //nolint:gosec // args are built internally
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), context.DeadlineExceeded
	}
	return stdout.String(), stderr.String(), err
}

// run executes an svn subcommand and classifies the outcome.
func (a *Adapter) run(ctx context.Context, subcommand string, extra ...string) Result {
	args := append([]string{subcommand}, a.baseArgs()...)
	args = append(args, extra...)

	slog.Debug("svn: exec", "cmd", redact(args))
	stdout, stderr, err := a.runCommand(ctx, args)

	if err == nil {
		return Result{Success: true, Stdout: stdout, Stderr: stderr}
	}
	if err == context.DeadlineExceeded {
		return Result{Stderr: stderr, Kind: errkind.Timeout,
			Message: fmt.Sprintf("svn %s timed out after %s", subcommand, a.cfg.CommandTimeout)}
	}
	lower := strings.ToLower(stderr)
	for _, marker := range authMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return Result{Stderr: stderr, Kind: errkind.AuthError,
				Message: firstLine(stderr)}
		}
	}
	return Result{Stderr: stderr, Kind: errkind.CommandError, Message: firstLine(stderr)}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "svn command failed"
	}
	return s
}

// Log fetches revision history as parsed entries. fromRev..toRev inclusive;
// toRev <= 0 means HEAD, limit 0 means no --limit flag.
func (a *Adapter) Log(ctx context.Context, repoURL string, fromRev, toRev int64, limit int) ([]LogEntry, Result) {
	upper := "HEAD"
	if toRev > 0 {
		upper = fmt.Sprintf("%d", toRev)
	}
	extra := []string{"--xml", "--verbose", "-r", fmt.Sprintf("%d:%s", fromRev, upper)}
	if limit > 0 {
		extra = append(extra, "--limit", fmt.Sprintf("%d", limit))
	}
	extra = append(extra, repoURL)

	res := a.run(ctx, "log", extra...)
	if !res.Success {
		return nil, res
	}
	entries, err := parseLogXML([]byte(res.Stdout))
	if err != nil {
		return nil, Result{Stderr: res.Stderr, Kind: errkind.ParseError,
			Message: fmt.Sprintf("svn log xml: %v", err)}
	}
	return entries, res
}

// Diff fetches the unified diff introduced by one revision.
func (a *Adapter) Diff(ctx context.Context, repoURL string, rev int64) ([]byte, Result) {
	res := a.run(ctx, "diff", "-c", fmt.Sprintf("%d", rev), repoURL)
	if !res.Success {
		return nil, res
	}
	return []byte(res.Stdout), res
}
