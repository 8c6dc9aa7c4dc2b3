// Package httppattern parses standard library route patterns so named routes
// can be reversed into URLs.
package httppattern

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Pattern is a parsed "[METHOD ][HOST]/path" route pattern.
type Pattern struct {
	Method string
	Host   string
	segs   []segment
}

type segment struct {
	literal string
	wild    bool
	multi   bool // trailing {name...} wildcard
}

// ParsePattern parses a pattern in the net/http ServeMux syntax, limited to
// the constructs needed for reversing: literals, {name} wildcards and one
// trailing {name...} wildcard.
func ParsePattern(s string) (*Pattern, error) {
	pat := &Pattern{}

	rest := s
	if method, after, found := strings.Cut(rest, " "); found && !strings.Contains(method, "/") {
		pat.Method = method
		rest = strings.TrimLeft(after, " ")
	}

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return nil, errors.Newf("pattern %q misses a path", s)
	}
	pat.Host, rest = rest[:slash], rest[slash:]

	for i, seg := range strings.Split(rest[1:], "/") {
		switch {
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "...}"):
			if i != strings.Count(rest[1:], "/") {
				return nil, errors.Newf("pattern %q has a non-trailing multi wildcard", s)
			}
			pat.segs = append(pat.segs, segment{wild: true, multi: true})
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			if name := seg[1 : len(seg)-1]; name == "$" {
				// "/{$}" matches the bare path, nothing to substitute
				pat.segs = append(pat.segs, segment{})

				continue
			}
			pat.segs = append(pat.segs, segment{wild: true})
		default:
			pat.segs = append(pat.segs, segment{literal: seg})
		}
	}

	return pat, nil
}

// Build substitutes vals for the pattern's wildcards, in order, and returns
// the resulting path.
func Build(pat *Pattern, vals ...string) (string, error) {
	var sb strings.Builder
	used := 0

	for _, seg := range pat.segs {
		sb.WriteByte('/')
		if !seg.wild {
			sb.WriteString(seg.literal)

			continue
		}

		if used >= len(vals) {
			return "", errors.Newf("pattern needs more than %d value(s)", len(vals))
		}
		sb.WriteString(vals[used])
		used++
	}

	if used != len(vals) {
		return "", errors.Newf("pattern takes %d value(s), got %d", used, len(vals))
	}

	return sb.String(), nil
}
