package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var packageName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry resolves package names to interpreter modules.
type Registry struct {
	builtin map[string]starlark.Value
	dir     string
}

// NewRegistry returns a registry with the builtin math, json and time
// packages plus any <name>.star file found in dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		builtin: map[string]starlark.Value{
			"math": starmath.Module,
			"json": starjson.Module,
			"time": startime.Module,
		},
		dir: dir,
	}
}

// Names lists every package the registry can resolve.
func (r *Registry) Names() []string {
	var names []string
	for name := range r.builtin {
		names = append(names, name)
	}
	if r.dir != "" {
		matches, _ := filepath.Glob(filepath.Join(r.dir, "*.star"))
		for _, m := range matches {
			name := strings.TrimSuffix(filepath.Base(m), ".star")
			if _, dup := r.builtin[name]; !dup && packageName.MatchString(name) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Resolve loads the named package.
func (r *Registry) Resolve(name string) (starlark.Value, error) {
	if !packageName.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid package name %q", ErrPackageUnavailable, name)
	}
	if v, ok := r.builtin[name]; ok {
		return v, nil
	}
	if r.dir == "" {
		return nil, fmt.Errorf("%w: package %q not found", ErrPackageUnavailable, name)
	}

	path := filepath.Join(r.dir, name+".star")
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: package %q not found", ErrPackageUnavailable, name)
		}
		return nil, fmt.Errorf("reading package %s: %w", name, err)
	}

	thread := &starlark.Thread{
		Name:  "package:" + name,
		Print: func(*starlark.Thread, string) {},
	}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, nil)
	if err != nil {
		return nil, fmt.Errorf("loading package %s: %w", name, err)
	}
	return &starlarkstruct.Module{Name: name, Members: globals}, nil
}

// moduleMembers returns the exported names of a package value for load().
func moduleMembers(v starlark.Value) (starlark.StringDict, error) {
	switch m := v.(type) {
	case *starlarkstruct.Module:
		return m.Members, nil
	case *starlarkstruct.Struct:
		members := make(starlark.StringDict)
		m.ToStringDict(members)
		return members, nil
	default:
		return nil, fmt.Errorf("%s is not a package", v.Type())
	}
}
