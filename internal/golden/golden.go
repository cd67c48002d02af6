// Package golden promotes captured traces into immutable regression
// fixtures and runs suites of them against an agent.
package golden

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ongoingai/goldentrace/internal/trace"
)

var (
	ErrInvalidTolerance = errors.New("tolerance must be within [0, 1]")
	ErrInvalidThreshold = errors.New("pass threshold must be within [0, 1]")
	ErrUnknownSource    = errors.New("unknown golden trace source")
	ErrInvalidSuite     = errors.New("invalid golden suite")
)

type Source string

const (
	SourceProduction Source = "PRODUCTION"
	SourceSynthetic  Source = "SYNTHETIC"
)

func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", SourceProduction:
		return SourceProduction, nil
	case SourceSynthetic:
		return SourceSynthetic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, raw)
	}
}

// GoldenTrace pairs a frozen trace snapshot with its accepted output.
type GoldenTrace struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Trace          trace.Record `json:"trace" yaml:"trace"`
	ExpectedOutput string       `json:"expected_output" yaml:"expected_output"`
	Tolerance      float64      `json:"tolerance" yaml:"tolerance"`
	Labels         []string     `json:"labels" yaml:"labels"`
	Source         Source       `json:"source" yaml:"source"`
}

// ContentHash is the content hash of the snapshot trace.
func (g *GoldenTrace) ContentHash() (string, error) {
	t, err := trace.FromRecord(g.Trace)
	if err != nil {
		return "", err
	}
	return t.ContentHash(), nil
}

// LabelKey identifies the golden's label set independent of label order.
// The key is the JSON array of normalized labels.
func (g *GoldenTrace) LabelKey() string {
	key, _ := json.Marshal(normalizeLabels(g.Labels))
	return string(key)
}

func (g *GoldenTrace) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("%w: golden id is required", ErrInvalidSuite)
	}
	if err := validateFraction(g.Tolerance, ErrInvalidTolerance); err != nil {
		return fmt.Errorf("golden %q: %w", g.ID, err)
	}
	if _, err := ParseSource(string(g.Source)); err != nil {
		return fmt.Errorf("golden %q: %w", g.ID, err)
	}
	if _, err := trace.FromRecord(g.Trace); err != nil {
		return fmt.Errorf("golden %q: %w", g.ID, err)
	}
	return nil
}

// Suite is an ordered set of goldens with the fraction that must pass.
type Suite struct {
	Name          string         `json:"name" yaml:"name"`
	PassThreshold float64        `json:"pass_threshold" yaml:"pass_threshold"`
	Traces        []*GoldenTrace `json:"traces" yaml:"traces"`
}

func NewSuite(name string, passThreshold float64) (*Suite, error) {
	if err := validateFraction(passThreshold, ErrInvalidThreshold); err != nil {
		return nil, err
	}
	return &Suite{Name: name, PassThreshold: passThreshold, Traces: []*GoldenTrace{}}, nil
}

// Add appends g unless a golden with the same content hash is already in
// the suite. It reports whether g was added.
func (s *Suite) Add(g *GoldenTrace) (bool, error) {
	if g == nil {
		return false, fmt.Errorf("%w: nil golden trace", ErrInvalidSuite)
	}
	if err := g.Validate(); err != nil {
		return false, err
	}
	hash, err := g.ContentHash()
	if err != nil {
		return false, err
	}
	if _, ok := s.FindByContentHash(hash); ok {
		return false, nil
	}
	for _, existing := range s.Traces {
		if existing.ID == g.ID {
			return false, fmt.Errorf("%w: duplicate golden id %q", ErrInvalidSuite, g.ID)
		}
	}
	s.Traces = append(s.Traces, g)
	return true, nil
}

func (s *Suite) FindByContentHash(hash string) (*GoldenTrace, bool) {
	for _, g := range s.Traces {
		h, err := g.ContentHash()
		if err != nil {
			continue
		}
		if h == hash {
			return g, true
		}
	}
	return nil, false
}

func (s *Suite) Find(id string) (*GoldenTrace, bool) {
	for _, g := range s.Traces {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

func (s *Suite) Validate() error {
	if err := validateFraction(s.PassThreshold, ErrInvalidThreshold); err != nil {
		return fmt.Errorf("suite %q: %w", s.Name, err)
	}
	seen := make(map[string]struct{}, len(s.Traces))
	for i, g := range s.Traces {
		if g == nil {
			return fmt.Errorf("%w: traces[%d] is empty", ErrInvalidSuite, i)
		}
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("%w: duplicate golden id %q", ErrInvalidSuite, g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

func validateFraction(v float64, sentinel error) error {
	if v != v || v < 0 || v > 1 {
		return fmt.Errorf("%w: got %v", sentinel, v)
	}
	return nil
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
