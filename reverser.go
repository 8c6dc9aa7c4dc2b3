package bh2

import (
	"fmt"

	"github.com/advdv/bh2/internal/httppattern"
	"github.com/samber/lo"
)

// Reverser builds URLs back from named route patterns. Routes are given a
// name during registration on the mux and can then be reversed into
// concrete paths with values for their wildcards.
type Reverser struct {
	pats map[string]*httppattern.Pattern
}

// NewReverser inits the reverser.
func NewReverser() *Reverser {
	return &Reverser{make(map[string]*httppattern.Pattern)}
}

// Register parses 'pattern' as a route pattern and stores it under 'name',
// returning the pattern unchanged so registration composes with the mux's
// handle path. Names must be unique.
func (r Reverser) Register(name, pattern string) (string, error) {
	if _, exists := r.pats[name]; exists {
		return pattern, fmt.Errorf("pattern with name %q already exists", name) //nolint:goerr113
	}

	pat, err := httppattern.ParsePattern(pattern)
	if err != nil {
		return pattern, fmt.Errorf("failed to parse pattern: %w", err)
	}

	r.pats[name] = pat

	return pattern, nil
}

// Reverse builds the url of the named pattern, filling its wildcards with
// vals in order.
func (r Reverser) Reverse(name string, vals ...string) (string, error) {
	pat, ok := r.pats[name]
	if !ok {
		return "", fmt.Errorf("no pattern named: %q, got: %v", name, lo.Keys(r.pats)) //nolint:goerr113
	}

	res, err := httppattern.Build(pat, vals...)
	if err != nil {
		return "", fmt.Errorf("failed to build: %w", err)
	}

	return res, nil
}
