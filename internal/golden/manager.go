package golden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"

	"github.com/ongoingai/goldentrace/internal/trace"
)

// StrategyDiverse picks one golden per distinct label set before filling.
const StrategyDiverse = "diverse"

// similarityEpsilon absorbs float rounding at the 1-tolerance boundary.
const similarityEpsilon = 1e-9

// AgentFunc runs the system under test against a golden snapshot and
// returns its final output.
type AgentFunc func(ctx context.Context, snapshot trace.Record) (string, error)

type RunResult struct {
	GoldenID   string        `json:"golden_id"`
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	Expected   string        `json:"expected"`
	Actual     string        `json:"actual"`
	Similarity float64       `json:"similarity"`
	Duration   time.Duration `json:"duration_ns"`
	Diffs      []string      `json:"diffs"`
	Error      string        `json:"error,omitempty"`
}

type SuiteResult struct {
	Suite         string        `json:"suite"`
	Total         int           `json:"total"`
	Passed        int           `json:"passed"`
	Failed        int           `json:"failed"`
	PassRate      float64       `json:"pass_rate"`
	PassThreshold float64       `json:"pass_threshold"`
	CIPassed      bool          `json:"ci_passed"`
	Duration      time.Duration `json:"duration_ns"`
	Results       []RunResult   `json:"results"`
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithParallelism bounds how many goldens RunSuite runs at once. Values
// below 1 run sequentially.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		m.parallelism = n
	}
}

// Manager holds only configuration and is safe for concurrent use.
type Manager struct {
	logger      *slog.Logger
	now         func() time.Time
	parallelism int
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.parallelism < 1 {
		m.parallelism = 1
	}
	return m
}

type MarkOption func(*markOptions)

type markOptions struct {
	id             string
	expectedOutput *string
	tolerance      float64
	labels         []string
	source         Source
}

func WithGoldenID(id string) MarkOption {
	return func(o *markOptions) { o.id = id }
}

func WithExpectedOutput(output string) MarkOption {
	return func(o *markOptions) { o.expectedOutput = &output }
}

func WithTolerance(tolerance float64) MarkOption {
	return func(o *markOptions) { o.tolerance = tolerance }
}

func WithLabels(labels ...string) MarkOption {
	return func(o *markOptions) { o.labels = append(o.labels, labels...) }
}

func WithSource(source Source) MarkOption {
	return func(o *markOptions) { o.source = source }
}

// MarkGolden freezes a non-redacted snapshot of t. Expected output defaults
// to the trace's task output.
func (m *Manager) MarkGolden(t *trace.Trace, name string, opts ...MarkOption) (*GoldenTrace, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil trace", ErrInvalidSuite)
	}
	options := markOptions{source: SourceProduction}
	for _, opt := range opts {
		opt(&options)
	}
	if err := validateFraction(options.tolerance, ErrInvalidTolerance); err != nil {
		return nil, err
	}
	source, err := ParseSource(string(options.source))
	if err != nil {
		return nil, err
	}

	expected := t.TaskOutput
	if options.expectedOutput != nil {
		expected = *options.expectedOutput
	}
	id := strings.TrimSpace(options.id)
	if id == "" {
		id = trace.NewID()
	}
	if strings.TrimSpace(name) == "" {
		name = t.TraceID
	}

	g := &GoldenTrace{
		ID:             id,
		Name:           name,
		Trace:          t.Record(),
		ExpectedOutput: expected,
		Tolerance:      options.tolerance,
		Labels:         normalizeLabels(options.labels),
		Source:         source,
	}
	m.logger.Info("golden trace marked", "golden_id", g.ID, "name", g.Name, "trace_id", t.TraceID, "source", g.Source)
	return g, nil
}

// Similarity is the Ratcliff/Obershelp ratio of a and b over characters.
func Similarity(a, b string) float64 {
	matcher := difflib.NewMatcherWithJunk(strings.Split(a, ""), strings.Split(b, ""), false, nil)
	return matcher.Ratio()
}

// CompareOutput reports whether actual matches expected within tolerance,
// with human-readable descriptions when it does not. Tolerance 0 requires
// an exact match; otherwise the similarity must reach 1-tolerance.
func CompareOutput(expected, actual string, tolerance float64) (bool, []string) {
	passed, _, diffs := compare(expected, actual, tolerance)
	return passed, diffs
}

func compare(expected, actual string, tolerance float64) (bool, float64, []string) {
	if expected == actual {
		return true, 1, []string{}
	}
	ratio := Similarity(expected, actual)
	required := 1 - tolerance
	if tolerance > 0 && ratio+similarityEpsilon >= required {
		return true, ratio, []string{}
	}

	diffs := make([]string, 0, 4)
	if tolerance > 0 {
		diffs = append(diffs, fmt.Sprintf("similarity %.4f below required %.4f", ratio, required))
	}
	if len(expected) != len(actual) {
		diffs = append(diffs, fmt.Sprintf("length mismatch: expected %d, got %d", len(expected), len(actual)))
	}
	diffs = append(diffs,
		fmt.Sprintf("expected: %q", expected),
		fmt.Sprintf("actual: %q", actual),
	)
	if strings.Contains(expected, "\n") || strings.Contains(actual, "\n") {
		unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(expected),
			B:        difflib.SplitLines(actual),
			FromFile: "expected",
			ToFile:   "actual",
			Context:  2,
		})
		if err == nil && unified != "" {
			diffs = append(diffs, unified)
		}
	}
	return false, ratio, diffs
}

// CompareOutput is the method form of the package-level CompareOutput.
func (m *Manager) CompareOutput(expected, actual string, tolerance float64) (bool, []string) {
	return CompareOutput(expected, actual, tolerance)
}

// RunSingle runs agentFn against g's snapshot and compares the result with
// g's expected output. An agent error is a failed result, never a Go error.
func (m *Manager) RunSingle(ctx context.Context, g *GoldenTrace, agentFn AgentFunc) RunResult {
	result := RunResult{Diffs: []string{}}
	if g == nil {
		result.Error = "nil golden trace"
		result.Diffs = append(result.Diffs, "agent error: "+result.Error)
		return result
	}
	result.GoldenID = g.ID
	result.Name = g.Name
	result.Expected = g.ExpectedOutput

	if agentFn == nil {
		result.Error = "no agent function configured"
		result.Diffs = append(result.Diffs, "agent error: "+result.Error)
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		result.Diffs = append(result.Diffs, "agent error: "+result.Error)
		return result
	}

	started := m.now()
	actual, err := agentFn(ctx, g.Trace)
	result.Duration = m.now().Sub(started)
	if err != nil {
		result.Error = err.Error()
		result.Diffs = append(result.Diffs, "agent error: "+result.Error)
		m.logger.Warn("golden run agent failed", "golden_id", g.ID, "error", err)
		return result
	}

	result.Actual = actual
	result.Passed, result.Similarity, result.Diffs = compare(g.ExpectedOutput, actual, g.Tolerance)
	m.logger.Debug("golden run finished",
		"golden_id", g.ID,
		"passed", result.Passed,
		"similarity", result.Similarity,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

// RunSuite runs every golden in suite and aggregates the outcome. Results
// stay in suite order regardless of parallelism. An empty suite has a pass
// rate of 0.
func (m *Manager) RunSuite(ctx context.Context, suite *Suite, agentFn AgentFunc) SuiteResult {
	result := SuiteResult{Results: []RunResult{}}
	if suite == nil {
		return result
	}
	result.Suite = suite.Name
	result.PassThreshold = suite.PassThreshold
	result.Total = len(suite.Traces)
	result.Results = make([]RunResult, len(suite.Traces))

	started := m.now()
	var group errgroup.Group
	group.SetLimit(m.parallelism)
	for i, g := range suite.Traces {
		group.Go(func() error {
			result.Results[i] = m.RunSingle(ctx, g, agentFn)
			return nil
		})
	}
	_ = group.Wait()
	result.Duration = m.now().Sub(started)

	for _, run := range result.Results {
		if run.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	if result.Total > 0 {
		result.PassRate = float64(result.Passed) / float64(result.Total)
	}
	result.CIPassed = result.PassRate >= suite.PassThreshold

	m.logger.Info("golden suite finished",
		"suite", suite.Name,
		"total", result.Total,
		"passed", result.Passed,
		"failed", result.Failed,
		"pass_rate", result.PassRate,
		"ci_passed", result.CIPassed,
	)
	return result
}

// Curate picks at most maxCount goldens. The diverse strategy takes the first
// golden of each distinct label set in input order, then fills the remaining
// slots with unselected goldens in input order. Any other strategy, or a pool
// that already fits, is truncated to maxCount.
func Curate(goldens []*GoldenTrace, maxCount int, strategy string) []*GoldenTrace {
	if maxCount < 0 {
		maxCount = 0
	}
	if len(goldens) <= maxCount || strategy != StrategyDiverse {
		n := min(len(goldens), maxCount)
		out := make([]*GoldenTrace, n)
		copy(out, goldens[:n])
		return out
	}

	out := make([]*GoldenTrace, 0, maxCount)
	selected := make([]bool, len(goldens))
	seen := make(map[string]struct{})
	for i, g := range goldens {
		if len(out) == maxCount {
			break
		}
		key := g.LabelKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		selected[i] = true
		out = append(out, g)
	}
	for i, g := range goldens {
		if len(out) == maxCount {
			break
		}
		if !selected[i] {
			out = append(out, g)
		}
	}
	return out
}

// Curate is the method form of the package-level Curate.
func (m *Manager) Curate(goldens []*GoldenTrace, maxCount int, strategy string) []*GoldenTrace {
	return Curate(goldens, maxCount, strategy)
}
