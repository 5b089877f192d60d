// Package suite resolves suite references into ordered test-case ids using a
// YAML catalog.
package suite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSuite is returned when the suite id is not in the catalog.
var ErrUnknownSuite = errors.New("unknown suite")

// ErrUnknownTestCase is returned when a suite lists a test case the catalog does not define.
var ErrUnknownTestCase = errors.New("unknown test case")

// Resolver expands a suite into a fixed, ordered set of test-case ids.
type Resolver interface {
	Resolve(ctx context.Context, suiteID string) ([]string, error)
}

// TestCase describes how to run one test.
type TestCase struct {
	ID      string            `yaml:"id"`
	Tags    []string          `yaml:"tags"`
	Image   string            `yaml:"image"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Suite selects test cases by id and by tag.
type Suite struct {
	TestCases   []string `yaml:"test_cases"`
	Tags        []string `yaml:"tags"`
	ExcludeTags []string `yaml:"exclude_tags"`
}

type catalogFile struct {
	TestCases []TestCase       `yaml:"test_cases"`
	Suites    map[string]Suite `yaml:"suites"`
}

// Catalog holds the test cases and suites known to the engine.
type Catalog struct {
	cases  []TestCase
	byID   map[string]int
	suites map[string]Suite
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(f.TestCases, f.Suites)
}

// NewCatalog validates and indexes test cases and suites.
func NewCatalog(cases []TestCase, suites map[string]Suite) (*Catalog, error) {
	c := &Catalog{
		cases:  cases,
		byID:   make(map[string]int, len(cases)),
		suites: suites,
	}
	for i, tc := range cases {
		if tc.ID == "" {
			return nil, fmt.Errorf("test case %d has no id", i)
		}
		if _, dup := c.byID[tc.ID]; dup {
			return nil, fmt.Errorf("duplicate test case %q", tc.ID)
		}
		c.byID[tc.ID] = i
	}
	for name, s := range suites {
		for _, id := range s.TestCases {
			if _, ok := c.byID[id]; !ok {
				return nil, fmt.Errorf("suite %q: %w: %q", name, ErrUnknownTestCase, id)
			}
		}
	}
	return c, nil
}

// TestCase returns the definition of one test case.
func (c *Catalog) TestCase(id string) (TestCase, bool) {
	i, ok := c.byID[id]
	if !ok {
		return TestCase{}, false
	}
	return c.cases[i], true
}

// Resolve lists the suite's explicit test cases in order, followed by the
// tag-selected ones in catalog order. Repeated ids keep their first position.
func (c *Catalog) Resolve(ctx context.Context, suiteID string) ([]string, error) {
	s, ok := c.suites[suiteID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, suiteID)
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, id := range s.TestCases {
		add(id)
	}
	if len(s.Tags) > 0 {
		for _, tc := range c.cases {
			if hasAny(tc.Tags, s.Tags) && !hasAny(tc.Tags, s.ExcludeTags) {
				add(tc.ID)
			}
		}
	}
	return out, nil
}

func hasAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
