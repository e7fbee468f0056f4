// Package assignment loads assignment definitions: prompt, starter program
// and test cases.
package assignment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/codebench/internal/harness"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/source"
)

// ErrNotFound is returned for an unknown assignment ID.
var ErrNotFound = errors.New("assignment not found")

// Assignment is one exercise.
type Assignment struct {
	ID            string             `json:"id" yaml:"id" toml:"id"`
	Title         string             `json:"title" yaml:"title" toml:"title"`
	Prompt        string             `json:"prompt" yaml:"prompt" toml:"prompt"`
	Mode          progress.Mode      `json:"mode" yaml:"mode" toml:"mode"`
	StarterSource string             `json:"starter_source,omitempty" yaml:"starter_source" toml:"starter_source"`
	Blocks        map[string]any     `json:"blocks,omitempty" yaml:"blocks" toml:"blocks"` // starter block graph, same shape as the graph JSON
	Packages      []string           `json:"packages,omitempty" yaml:"packages" toml:"packages"`
	Tests         []harness.TestCase `json:"tests" yaml:"tests" toml:"tests"`
}

// Validate checks required fields and defaults Mode to text.
func (a *Assignment) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if a.Mode == "" {
		a.Mode = progress.ModeText
	}
	if _, err := progress.ParseMode(string(a.Mode)); err != nil {
		return fmt.Errorf("assignment %s: %w", a.ID, err)
	}
	if a.Mode == progress.ModeBlocks {
		if _, err := a.StarterGraph(); err != nil {
			return fmt.Errorf("assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

// StarterGraph decodes the starter blocks. No blocks yields an empty graph.
func (a *Assignment) StarterGraph() (*source.Graph, error) {
	if len(a.Blocks) == 0 {
		return source.NewGraph(), nil
	}
	data, err := json.Marshal(a.Blocks)
	if err != nil {
		return nil, fmt.Errorf("encoding starter blocks: %w", err)
	}
	return source.ParseGraph(data)
}

// NewProvider returns a fresh source provider seeded with the starter
// program for the assignment's mode.
func (a *Assignment) NewProvider() (source.Provider, error) {
	if a.Mode == progress.ModeBlocks {
		g, err := a.StarterGraph()
		if err != nil {
			return nil, err
		}
		return source.NewBlocks(g), nil
	}
	return source.NewText(a.StarterSource), nil
}

// LoadFile reads one assignment from a .yaml, .yml or .toml file.
func LoadFile(path string) (*Assignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var a Assignment
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &a)
	case ".toml":
		err = toml.Unmarshal(data, &a)
	default:
		return nil, fmt.Errorf("%s: unsupported assignment format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &a, nil
}

// Catalog is a read-only set of assignments keyed by ID.
type Catalog struct {
	byID map[string]*Assignment
}

// NewCatalog builds a catalog from already-loaded assignments.
func NewCatalog(list ...*Assignment) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Assignment, len(list))}
	for _, a := range list {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate assignment id %q", a.ID)
		}
		c.byID[a.ID] = a
	}
	return c, nil
}

// LoadDir loads every assignment file directly under dir. A missing
// directory yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{byID: map[string]*Assignment{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading assignments: %w", err)
	}

	var list []*Assignment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".toml":
		default:
			continue
		}
		a, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return NewCatalog(list...)
}

// Get returns the assignment with id.
func (c *Catalog) Get(id string) (*Assignment, error) {
	a, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// List returns all assignments sorted by ID.
func (c *Catalog) List() []*Assignment {
	out := make([]*Assignment, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
