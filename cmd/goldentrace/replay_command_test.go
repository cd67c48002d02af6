package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ongoingai/goldentrace/internal/replay"
	"github.com/ongoingai/goldentrace/internal/trace"
)

func TestReplayCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "ok")
	env.seed(t, buildTestTrace(t, "trace-replay", "support-bot", "refund order 42", "refunded",
		spanFixture{name: "lookup_order", output: trace.MustValue(map[string]any{"order": 42})},
		spanFixture{name: "charge_card", err: "card declined"},
		spanFixture{name: "notify", output: trace.String("sent to bob@example.com")},
	))

	code, stdout, stderr := runCLI(t,
		"replay", "--config", env.configPath, "--format", "json", "--redact",
		"--override", `lookup_order={"order":43}`,
		"--override", "notify=sent to bob@example.com",
		"trace-replay",
	)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	var result replay.Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout)
	}

	gotKinds := make([]replay.DiffKind, 0, len(result.Divergences))
	for _, record := range result.Divergences {
		gotKinds = append(gotKinds, record.Kind)
	}
	wantKinds := []replay.DiffKind{replay.DiffOutputMismatch, replay.DiffStatusChange}
	if diff := cmp.Diff(wantKinds, gotKinds); diff != "" {
		t.Fatalf("divergence kinds mismatch (-want +got):\n%s", diff)
	}
	if result.DivergencePoint != "lookup_order" {
		t.Fatalf("divergence point=%q, want lookup_order", result.DivergencePoint)
	}
	if !result.Steps[2].Overridden || result.Steps[2].Diverged {
		t.Fatalf("notify step=%+v, want overridden with equal output", result.Steps[2])
	}
	if got, _ := result.Steps[2].Output.AsString(); got != "sent to [EMAIL_REDACTED]" {
		t.Fatalf("notify output=%q, want redacted", got)
	}

	code, stdout, _ = runCLI(t, "replay", "--config", env.configPath, "trace-replay")
	if code != 0 {
		t.Fatalf("text replay code=%d", code)
	}
	for _, want := range []string{"diverged at: charge_card", "STATUS_CHANGE", "3/3 executed"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("text output missing %q:\n%s", want, stdout)
		}
	}
}

func TestReplayCommandRejectsBadOverride(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "ok")
	code, _, stderr := runCLI(t, "replay", "--config", env.configPath, "--override", "=1", "trace-x")
	if code != 2 || !strings.Contains(stderr, "SPAN=VALUE") {
		t.Fatalf("code=%d stderr=%q, want override usage error", code, stderr)
	}
}

func TestDiffCommand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "ok")
	env.seed(t,
		buildTestTrace(t, "trace-left", "support-bot", "task", "done",
			spanFixture{name: "plan", output: trace.String("a")},
			spanFixture{name: "act", output: trace.String("b")}),
		buildTestTrace(t, "trace-right", "support-bot", "task", "done",
			spanFixture{name: "plan", output: trace.String("a")},
			spanFixture{name: "act", output: trace.String("c")},
			spanFixture{name: "verify", output: trace.Bool(true)}),
	)

	code, stdout, stderr := runCLI(t, "diff", "--config", env.configPath, "--format", "json", "trace-left", "trace-right")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	var doc diffDocument
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("decode diff: %v", err)
	}
	if doc.Identical || len(doc.Diffs) != 2 {
		t.Fatalf("diff=%+v, want two records", doc)
	}
	if doc.Diffs[0].Kind != replay.DiffOutputMismatch || doc.Diffs[1].Kind != replay.DiffExtraSpan {
		t.Fatalf("kinds=%s,%s, want OUTPUT_MISMATCH,EXTRA_SPAN", doc.Diffs[0].Kind, doc.Diffs[1].Kind)
	}

	code, stdout, _ = runCLI(t, "diff", "--config", env.configPath, "trace-left", "trace-left")
	if code != 0 || !strings.Contains(stdout, "are identical") {
		t.Fatalf("self diff code=%d stdout=%q", code, stdout)
	}

	code, _, stderr = runCLI(t, "diff", "--config", env.configPath, "trace-left")
	if code != 2 || !strings.Contains(stderr, "exactly two") {
		t.Fatalf("code=%d stderr=%q, want usage error", code, stderr)
	}
}
