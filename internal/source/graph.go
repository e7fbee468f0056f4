package source

import (
	"encoding/json"
	"fmt"
)

// Block is one node of a visual program.
type Block struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields,omitempty"` // literal settings: names, operators, values
	Inputs map[string]string `json:"inputs,omitempty"` // slot name to child block ID
	Next   string            `json:"next,omitempty"`   // following statement
}

// Graph is a block program. Roots are the top-level statement stacks in
// execution order.
type Graph struct {
	Blocks map[string]*Block `json:"blocks"`
	Roots  []string          `json:"roots"`
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{Blocks: make(map[string]*Block)}
}

// ParseGraph decodes a graph from JSON. Blocks are keyed by ID; a block
// without an explicit id takes its key.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding block graph: %w", err)
	}
	if g.Blocks == nil {
		g.Blocks = make(map[string]*Block)
	}
	for key, b := range g.Blocks {
		if b == nil {
			return nil, fmt.Errorf("block %q is null", key)
		}
		if b.ID == "" {
			b.ID = key
		}
		if b.ID != key {
			return nil, fmt.Errorf("block key %q does not match id %q", key, b.ID)
		}
	}
	return &g, nil
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Blocks: make(map[string]*Block, len(g.Blocks)),
		Roots:  append([]string(nil), g.Roots...),
	}
	for id, b := range g.Blocks {
		nb := *b
		nb.Fields = cloneMap(b.Fields)
		nb.Inputs = cloneMap(b.Inputs)
		c.Blocks[id] = &nb
	}
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (g *Graph) removeRoot(id string) {
	roots := g.Roots[:0]
	for _, r := range g.Roots {
		if r != id {
			roots = append(roots, r)
		}
	}
	g.Roots = roots
}

// detach turns a statement stack that lost its parent into a root.
func (g *Graph) detach(id string) {
	b, ok := g.Blocks[id]
	if !ok || !IsStatement(b.Type) {
		return
	}
	for _, r := range g.Roots {
		if r == id {
			return
		}
	}
	g.Roots = append(g.Roots, id)
}
