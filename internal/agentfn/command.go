// Package agentfn provides golden.AgentFunc implementations that drive a
// real agent: a local command or an OpenAI-compatible chat endpoint.
package agentfn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ongoingai/goldentrace/internal/golden"
	"github.com/ongoingai/goldentrace/internal/trace"
)

var ErrEmptyCommand = errors.New("agent command is empty")

// maxStderrInError caps how much stderr an exit error carries.
const maxStderrInError = 512

// Command runs argv once per golden. The snapshot record is written to
// stdin as JSON and trimmed stdout is the agent output. A non-zero exit is
// an error carrying the tail of stderr.
func Command(argv []string, timeout time.Duration) (golden.AgentFunc, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ErrEmptyCommand
	}
	args := append([]string(nil), argv...)

	return func(ctx context.Context, snapshot trace.Record) (string, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		payload, err := json.Marshal(snapshot)
		if err != nil {
			return "", fmt.Errorf("encode snapshot: %w", err)
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = bytes.NewReader(payload)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = time.Second

		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("run agent command %s: %w", args[0], ctxErr)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("agent command %s exited with code %d: %s", args[0], exitErr.ExitCode(), tail(stderr.String(), maxStderrInError))
			}
			return "", fmt.Errorf("run agent command %s: %w", args[0], err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
