package filter

import (
	"strings"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

type patternKind int

const (
	matchExact patternKind = iota
	matchPrefix
	matchSuffix
	matchContains
	matchAny
)

type pattern struct {
	raw    string
	kind   patternKind
	needle string
}

// compilePattern accepts "x", "x*", "*x", "*x*" and "*". A '*' anywhere
// else is rejected.
func compilePattern(name, raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, &model.InvalidFilterError{Filter: name, Reason: "empty pattern"}
	}
	if raw == "*" {
		return pattern{raw: raw, kind: matchAny}, nil
	}

	lead := strings.HasPrefix(raw, "*")
	trail := strings.HasSuffix(raw, "*")
	needle := strings.TrimSuffix(strings.TrimPrefix(raw, "*"), "*")
	if needle == "" || strings.Contains(needle, "*") {
		return pattern{}, &model.InvalidFilterError{Filter: name, Reason: "wildcard '*' is only allowed at the start or end of " + raw}
	}

	p := pattern{raw: raw, needle: needle}
	switch {
	case lead && trail:
		p.kind = matchContains
	case trail:
		p.kind = matchPrefix
	case lead:
		p.kind = matchSuffix
	default:
		p.kind = matchExact
	}
	return p, nil
}

func (p pattern) match(s string) bool {
	switch p.kind {
	case matchAny:
		return true
	case matchPrefix:
		return strings.HasPrefix(s, p.needle)
	case matchSuffix:
		return strings.HasSuffix(s, p.needle)
	case matchContains:
		return strings.Contains(s, p.needle)
	default:
		return s == p.needle
	}
}
