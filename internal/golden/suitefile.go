package golden

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SaveSuite writes suite to path as YAML, or JSON when path ends in .json.
// The file is replaced atomically.
func SaveSuite(path string, suite *Suite) error {
	if suite == nil {
		return fmt.Errorf("%w: nil suite", ErrInvalidSuite)
	}
	if err := suite.Validate(); err != nil {
		return err
	}
	data, err := EncodeSuite(suite, isJSONPath(path))
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create suite directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("create temp suite file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write suite file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close suite file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace suite file: %w", err)
	}
	return nil
}

// LoadSuite reads and validates a suite written by SaveSuite.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite file: %w", err)
	}
	suite, err := DecodeSuite(data, isJSONPath(path))
	if err != nil {
		return nil, fmt.Errorf("decode suite %s: %w", path, err)
	}
	return suite, nil
}

// LoadOrCreateSuite loads path, or returns an empty suite when the file
// does not exist yet.
func LoadOrCreateSuite(path, name string, passThreshold float64) (*Suite, error) {
	suite, err := LoadSuite(path)
	if err == nil {
		return suite, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return NewSuite(name, passThreshold)
}

func EncodeSuite(suite *Suite, asJSON bool) ([]byte, error) {
	if asJSON {
		data, err := json.MarshalIndent(suite, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode suite json: %w", err)
		}
		return append(data, '\n'), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(suite); err != nil {
		return nil, fmt.Errorf("encode suite yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode suite yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeSuite(data []byte, asJSON bool) (*Suite, error) {
	var suite Suite
	if asJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&suite); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSuite, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&suite); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: empty document", ErrInvalidSuite)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidSuite, err)
		}
		var extra any
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: multiple yaml documents are not supported", ErrInvalidSuite)
		}
	}

	if suite.Traces == nil {
		suite.Traces = []*GoldenTrace{}
	}
	for _, g := range suite.Traces {
		if g != nil {
			g.Labels = normalizeLabels(g.Labels)
			if g.Source == "" {
				g.Source = SourceProduction
			}
		}
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return &suite, nil
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
