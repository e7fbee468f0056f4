package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	indentUnit = "    "
	maxDepth   = 64
)

var (
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	number     = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

var keywords = map[string]bool{
	"and": true, "break": true, "continue": true, "def": true, "elif": true,
	"else": true, "for": true, "if": true, "in": true, "lambda": true,
	"load": true, "not": true, "or": true, "pass": true, "return": true,
	"while": true, "True": true, "False": true, "None": true,
}

var statementTypes = map[string]bool{
	"print": true, "assign": true, "if": true, "while": true,
	"repeat": true, "expr": true, "comment": true,
}

var (
	arithmeticOps = map[string]bool{"+": true, "-": true, "*": true, "/": true, "//": true, "%": true}
	compareOps    = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}
	logicOps      = map[string]bool{"and": true, "or": true}
	conversions   = map[string]bool{"int": true, "float": true, "str": true}
)

// IsStatement reports whether blocks of type typ sit in a statement stack.
func IsStatement(typ string) bool {
	return statementTypes[typ]
}

// Generate renders g as program text.
func Generate(g *Graph) (string, error) {
	gen := &generator{graph: g, onPath: make(map[string]bool)}
	for _, id := range g.Roots {
		if err := gen.chain(id, 0); err != nil {
			return "", err
		}
	}
	return gen.sb.String(), nil
}

type generator struct {
	graph   *Graph
	sb      strings.Builder
	onPath  map[string]bool
	emitted int // statements other than comments
}

func (gen *generator) block(id string) (*Block, error) {
	b, ok := gen.graph.Blocks[id]
	if !ok {
		return nil, fmt.Errorf("unknown block %q", id)
	}
	if gen.onPath[id] {
		return nil, fmt.Errorf("block %q is part of a cycle", id)
	}
	return b, nil
}

func (gen *generator) line(depth int, format string, args ...any) {
	gen.sb.WriteString(strings.Repeat(indentUnit, depth))
	fmt.Fprintf(&gen.sb, format, args...)
	gen.sb.WriteByte('\n')
}

// chain writes the statement stack starting at id.
func (gen *generator) chain(id string, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("blocks nested deeper than %d", maxDepth)
	}
	var seen []string
	defer func() {
		for _, s := range seen {
			delete(gen.onPath, s)
		}
	}()

	for id != "" {
		b, err := gen.block(id)
		if err != nil {
			return err
		}
		gen.onPath[id] = true
		seen = append(seen, id)

		if err := gen.statement(b, depth); err != nil {
			return err
		}
		id = b.Next
	}
	return nil
}

// body writes a nested stack, padded with pass when it has no statement
// besides comments.
func (gen *generator) body(b *Block, slot string, depth int) error {
	before := gen.emitted
	if id := b.Inputs[slot]; id != "" {
		if err := gen.chain(id, depth); err != nil {
			return err
		}
	}
	if gen.emitted == before {
		gen.line(depth, "pass")
	}
	return nil
}

func (gen *generator) statement(b *Block, depth int) error {
	if !IsStatement(b.Type) {
		if _, known := valueTypes[b.Type]; known {
			return fmt.Errorf("block %q (%s) is a value, not a statement", b.ID, b.Type)
		}
		return fmt.Errorf("block %q has unsupported type %q", b.ID, b.Type)
	}

	if b.Type != "comment" {
		gen.emitted++
	}

	switch b.Type {
	case "print":
		if b.Inputs["value"] == "" {
			gen.line(depth, "print()")
			return nil
		}
		v, err := gen.value(b, "value", depth)
		if err != nil {
			return err
		}
		gen.line(depth, "print(%s)", v)

	case "assign":
		name, err := variableName(b)
		if err != nil {
			return err
		}
		v, err := gen.value(b, "value", depth)
		if err != nil {
			return err
		}
		gen.line(depth, "%s = %s", name, v)

	case "if":
		cond, err := gen.value(b, "condition", depth)
		if err != nil {
			return err
		}
		gen.line(depth, "if %s:", cond)
		if err := gen.body(b, "then", depth+1); err != nil {
			return err
		}
		if b.Inputs["else"] != "" {
			gen.line(depth, "else:")
			if err := gen.body(b, "else", depth+1); err != nil {
				return err
			}
		}

	case "while":
		cond, err := gen.value(b, "condition", depth)
		if err != nil {
			return err
		}
		gen.line(depth, "while %s:", cond)
		return gen.body(b, "body", depth+1)

	case "repeat":
		times, err := gen.repeatCount(b, depth)
		if err != nil {
			return err
		}
		gen.line(depth, "for _ in range(%s):", times)
		return gen.body(b, "body", depth+1)

	case "expr":
		v, err := gen.value(b, "value", depth)
		if err != nil {
			return err
		}
		gen.line(depth, "%s", v)

	case "comment":
		text := strings.ReplaceAll(b.Fields["text"], "\n", " ")
		gen.line(depth, "# %s", strings.TrimSpace(text))
	}
	return nil
}

func (gen *generator) repeatCount(b *Block, depth int) (string, error) {
	if b.Inputs["times"] != "" {
		return gen.value(b, "times", depth)
	}
	n, err := strconv.Atoi(strings.TrimSpace(b.Fields["times"]))
	if err != nil || n < 0 {
		return "", fmt.Errorf("block %q: repeat count %q is not a non-negative integer", b.ID, b.Fields["times"])
	}
	return strconv.Itoa(n), nil
}

var valueTypes = map[string]struct{}{
	"number": {}, "text": {}, "bool": {}, "variable": {}, "input": {},
	"convert": {}, "arithmetic": {}, "compare": {}, "logic": {}, "not": {}, "join": {},
}

// value renders the expression plugged into parent's slot.
func (gen *generator) value(parent *Block, slot string, depth int) (string, error) {
	id := parent.Inputs[slot]
	if id == "" {
		return "", fmt.Errorf("block %q (%s) is missing its %q input", parent.ID, parent.Type, slot)
	}
	if depth > maxDepth {
		return "", fmt.Errorf("blocks nested deeper than %d", maxDepth)
	}
	b, err := gen.block(id)
	if err != nil {
		return "", err
	}
	if _, ok := valueTypes[b.Type]; !ok {
		if IsStatement(b.Type) {
			return "", fmt.Errorf("block %q (%s) is a statement, not a value", b.ID, b.Type)
		}
		return "", fmt.Errorf("block %q has unsupported type %q", b.ID, b.Type)
	}

	gen.onPath[id] = true
	defer delete(gen.onPath, id)

	switch b.Type {
	case "number":
		raw := strings.TrimSpace(b.Fields["value"])
		if !number.MatchString(raw) {
			return "", fmt.Errorf("block %q: %q is not a number", b.ID, raw)
		}
		return raw, nil

	case "text":
		return strconv.Quote(b.Fields["value"]), nil

	case "bool":
		switch strings.ToLower(b.Fields["value"]) {
		case "true":
			return "True", nil
		case "false":
			return "False", nil
		}
		return "", fmt.Errorf("block %q: %q is not a boolean", b.ID, b.Fields["value"])

	case "variable":
		return variableName(b)

	case "input":
		if p := b.Fields["prompt"]; p != "" {
			return "input(" + strconv.Quote(p) + ")", nil
		}
		return "input()", nil

	case "convert":
		to := b.Fields["to"]
		if !conversions[to] {
			return "", fmt.Errorf("block %q: cannot convert to %q", b.ID, to)
		}
		v, err := gen.value(b, "value", depth+1)
		if err != nil {
			return "", err
		}
		return to + "(" + v + ")", nil

	case "arithmetic":
		return gen.binary(b, arithmeticOps, depth)
	case "compare":
		return gen.binary(b, compareOps, depth)
	case "logic":
		return gen.binary(b, logicOps, depth)

	case "not":
		v, err := gen.value(b, "value", depth+1)
		if err != nil {
			return "", err
		}
		return "(not " + v + ")", nil

	case "join":
		l, err := gen.value(b, "left", depth+1)
		if err != nil {
			return "", err
		}
		r, err := gen.value(b, "right", depth+1)
		if err != nil {
			return "", err
		}
		return "(str(" + l + ") + str(" + r + "))", nil
	}
	return "", fmt.Errorf("block %q has unsupported type %q", b.ID, b.Type)
}

func (gen *generator) binary(b *Block, ops map[string]bool, depth int) (string, error) {
	op := b.Fields["op"]
	if !ops[op] {
		return "", fmt.Errorf("block %q: unsupported %s operator %q", b.ID, b.Type, op)
	}
	l, err := gen.value(b, "left", depth+1)
	if err != nil {
		return "", err
	}
	r, err := gen.value(b, "right", depth+1)
	if err != nil {
		return "", err
	}
	return "(" + l + " " + op + " " + r + ")", nil
}

func variableName(b *Block) (string, error) {
	name := strings.TrimSpace(b.Fields["name"])
	if !identifier.MatchString(name) || keywords[name] {
		return "", fmt.Errorf("block %q: %q is not a valid variable name", b.ID, name)
	}
	return name, nil
}
