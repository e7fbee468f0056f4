package source

import (
	"fmt"
	"strings"
	"sync"
)

// FailurePrefix starts the stub emitted when a graph cannot be rendered.
const FailurePrefix = "# code generation failed: "

// Blocks is a provider over a block graph. Every mutation regenerates the
// source before returning. A graph that cannot be rendered yields a
// comment-only stub so running it simply prints nothing.
type Blocks struct {
	mu     sync.RWMutex
	graph  *Graph
	source string
	err    error
}

// NewBlocks returns a provider over a copy of g. A nil g starts empty.
func NewBlocks(g *Graph) *Blocks {
	if g == nil {
		g = NewGraph()
	} else {
		g = g.Clone()
	}
	b := &Blocks{graph: g}
	b.regenerate()
	return b
}

func (b *Blocks) CurrentSource() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

// Err returns the reason the last regeneration failed, or nil.
func (b *Blocks) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Graph returns a copy of the current graph.
func (b *Blocks) Graph() *Graph {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.graph.Clone()
}

// Replace swaps in a whole new graph.
func (b *Blocks) Replace(g *Graph) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g == nil {
		g = NewGraph()
	}
	b.graph = g.Clone()
	b.regenerate()
}

// AddBlock inserts a block. A statement block starts out as a new top-level
// stack until it is connected somewhere.
func (b *Blocks) AddBlock(blk Block) error {
	return b.mutate(func(g *Graph) error {
		if blk.ID == "" {
			return fmt.Errorf("block id is required")
		}
		if _, dup := g.Blocks[blk.ID]; dup {
			return fmt.Errorf("block %q already exists", blk.ID)
		}
		nb := blk
		nb.Fields = cloneMap(blk.Fields)
		nb.Inputs = cloneMap(blk.Inputs)
		g.Blocks[nb.ID] = &nb
		if IsStatement(nb.Type) {
			g.Roots = append(g.Roots, nb.ID)
		}
		return nil
	})
}

// RemoveBlock deletes a block and every reference to it. Its children are
// left in the graph, detached.
func (b *Blocks) RemoveBlock(id string) error {
	return b.mutate(func(g *Graph) error {
		if _, ok := g.Blocks[id]; !ok {
			return fmt.Errorf("unknown block %q", id)
		}
		delete(g.Blocks, id)
		g.removeRoot(id)
		for _, other := range g.Blocks {
			if other.Next == id {
				other.Next = ""
			}
			for slot, child := range other.Inputs {
				if child == id {
					delete(other.Inputs, slot)
				}
			}
		}
		return nil
	})
}

// SetField sets a literal field such as a variable name or operator.
func (b *Blocks) SetField(id, name, value string) error {
	return b.mutate(func(g *Graph) error {
		blk, ok := g.Blocks[id]
		if !ok {
			return fmt.Errorf("unknown block %q", id)
		}
		if blk.Fields == nil {
			blk.Fields = make(map[string]string)
		}
		blk.Fields[name] = value
		return nil
	})
}

// Connect plugs child into parent's input slot. An empty child clears the
// slot and a detached statement stack moves to the top level.
func (b *Blocks) Connect(parent, slot, child string) error {
	return b.mutate(func(g *Graph) error {
		p, ok := g.Blocks[parent]
		if !ok {
			return fmt.Errorf("unknown block %q", parent)
		}
		if child == "" {
			g.detach(p.Inputs[slot])
			delete(p.Inputs, slot)
			return nil
		}
		if _, ok := g.Blocks[child]; !ok {
			return fmt.Errorf("unknown block %q", child)
		}
		if p.Inputs == nil {
			p.Inputs = make(map[string]string)
		}
		p.Inputs[slot] = child
		g.removeRoot(child)
		return nil
	})
}

// SetNext attaches next below id in its stack. Whatever was attached before
// becomes its own top-level stack.
func (b *Blocks) SetNext(id, next string) error {
	return b.mutate(func(g *Graph) error {
		blk, ok := g.Blocks[id]
		if !ok {
			return fmt.Errorf("unknown block %q", id)
		}
		if next == id {
			return fmt.Errorf("block %q cannot follow itself", id)
		}
		if next != "" {
			if _, ok := g.Blocks[next]; !ok {
				return fmt.Errorf("unknown block %q", next)
			}
			g.removeRoot(next)
		}
		if blk.Next != next {
			g.detach(blk.Next)
		}
		blk.Next = next
		return nil
	})
}

// mutate applies fn and regenerates. A rejected mutation leaves the graph
// untouched.
func (b *Blocks) mutate(fn func(*Graph) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.graph.Clone()
	if err := fn(next); err != nil {
		return err
	}
	b.graph = next
	b.regenerate()
	return nil
}

// regenerate must be called with mu held.
func (b *Blocks) regenerate() {
	src, err := Generate(b.graph)
	if err != nil {
		b.source = FailurePrefix + strings.ReplaceAll(err.Error(), "\n", " ") + "\n"
		b.err = err
		return
	}
	b.source = src
	b.err = nil
}
