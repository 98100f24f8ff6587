// Package manifest reads a YAML test manifest and replays it as a test
// framework on the bus.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xtestbus/node"
)

// Outcomes accepted in a manifest.
const (
	OutcomePassed    = "passed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
	OutcomeTimedOut  = "timed-out"
	OutcomeCancelled = "cancelled"
)

var ErrEmptyManifest = errors.New("manifest: no tests")

// Manifest is the YAML document root.
type Manifest struct {
	Tests []Test `yaml:"tests"`
}

// Test is one manifest entry. UID defaults to a name-based UUID derived from
// namespace, type and method so it stays stable across loads.
type Test struct {
	UID       string            `yaml:"uid"`
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Type      string            `yaml:"type"`
	Method    string            `yaml:"method"`
	File      string            `yaml:"file"`
	Line      int               `yaml:"line"`
	Outcome   string            `yaml:"outcome"`
	Message   string            `yaml:"message"`
	Stack     string            `yaml:"stack"`
	Duration  time.Duration     `yaml:"duration"`
	Traits    map[string]string `yaml:"traits"`
	Artifact  string            `yaml:"artifact"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest, filling defaults.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if len(m.Tests) == 0 {
		return nil, ErrEmptyManifest
	}

	seen := make(map[string]int, len(m.Tests))
	for i := range m.Tests {
		t := &m.Tests[i]
		if t.Method == "" && t.Name == "" {
			return nil, fmt.Errorf("manifest: tests[%d]: name or method required", i)
		}
		if t.Method == "" {
			t.Method = t.Name
		}
		if t.Name == "" {
			t.Name = t.Method
		}
		if t.Outcome == "" {
			t.Outcome = OutcomePassed
		}
		if !validOutcome(t.Outcome) {
			return nil, fmt.Errorf("manifest: tests[%d]: unknown outcome %q", i, t.Outcome)
		}
		if t.UID == "" {
			t.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.qualifiedName())).String()
		}
		if j, dup := seen[t.UID]; dup {
			return nil, fmt.Errorf("manifest: tests[%d] and tests[%d] share uid %q", j, i, t.UID)
		}
		seen[t.UID] = i
	}
	return &m, nil
}

func validOutcome(o string) bool {
	switch o {
	case OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeError, OutcomeTimedOut, OutcomeCancelled:
		return true
	}
	return false
}

func (t Test) qualifiedName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Namespace, t.Type, t.Method} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Matches reports whether filter selects t. An empty filter selects everything;
// otherwise the filter is a case-insensitive substring of the name or qualified name.
func (t Test) Matches(filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	return strings.Contains(strings.ToLower(t.Name), f) || strings.Contains(strings.ToLower(t.qualifiedName()), f)
}

// identity returns the properties shared by every update of t.
func (t Test) identity() []node.Property {
	var props []node.Property
	if t.File != "" {
		props = append(props, node.FileLocationProperty{FilePath: t.File, LineStart: t.Line, LineEnd: t.Line})
	}
	props = append(props, node.MethodIdentifierProperty{Namespace: t.Namespace, TypeName: t.Type, MethodName: t.Method})
	for _, k := range sortedKeys(t.Traits) {
		props = append(props, node.MetadataProperty{Key: k, Value: t.Traits[k]})
	}
	return props
}

// outcomeState maps the manifest outcome to its node state.
func (t Test) outcomeState() node.StateProperty {
	switch t.Outcome {
	case OutcomeFailed:
		return node.FailedState{Explanation: t.Message, StackTrace: t.Stack}
	case OutcomeSkipped:
		return node.SkippedState{Reason: t.Message}
	case OutcomeError:
		return node.ErrorState{Explanation: t.Message, StackTrace: t.Stack}
	case OutcomeTimedOut:
		return node.TimeoutState{Explanation: t.Message}
	case OutcomeCancelled:
		return node.CancelledState{Explanation: t.Message}
	default:
		return node.PassedState{}
	}
}
