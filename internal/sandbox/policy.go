package sandbox

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Policy defines the limits and package rules for an interpreter.
type Policy struct {
	MaxOutputBytes int    // per stream; 0 means unlimited
	MaxSteps       uint64 // interpreter steps per run; 0 means unlimited
	Packages       mapset.Set[string]
	Preinstall     []string
	PreludeFile    string // source run into the shared namespace at bootstrap
	PackagesDir    string // extra <name>.star packages
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxOutputBytes: 64 * 1024,
		Packages:       mapset.NewSet[string](),
	}
}

// WithPackages returns a copy of p that only allows the named packages.
func (p Policy) WithPackages(names ...string) Policy {
	p.Packages = mapset.NewSet(names...)
	return p
}

// IsPackageAllowed checks a package against the allow-list. An empty list
// allows every package the registry knows.
func (p Policy) IsPackageAllowed(name string) bool {
	if p.Packages == nil || p.Packages.Cardinality() == 0 {
		return true
	}
	return p.Packages.Contains(name)
}
