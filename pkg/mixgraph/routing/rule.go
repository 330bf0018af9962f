// Package routing decides which mixer channel an application stream belongs
// to and which port links realize that decision.
package routing

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// MaxPatternLength bounds every pattern; regexes are RE2 so matching is linear
const MaxPatternLength = 256

// MatchKind doubles as precedence: lower wins
type MatchKind int

const (
	MatchLiteral MatchKind = iota
	MatchGlob
	MatchRegex
)

func (k MatchKind) String() string {
	switch k {
	case MatchLiteral:
		return "literal"
	case MatchGlob:
		return "glob"
	case MatchRegex:
		return "regex"
	default:
		return "unknown"
	}
}

func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(s) {
	case "", "literal", "exact":
		return MatchLiteral, nil
	case "glob":
		return MatchGlob, nil
	case "regex", "regexp":
		return MatchRegex, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q", s)
	}
}

// MatchTarget selects which stream property a rule looks at
type MatchTarget int

const (
	TargetEither MatchTarget = iota
	TargetName
	TargetBinary
)

func (t MatchTarget) String() string {
	switch t {
	case TargetName:
		return "name"
	case TargetBinary:
		return "binary"
	default:
		return "either"
	}
}

func ParseMatchTarget(s string) (MatchTarget, error) {
	switch strings.ToLower(s) {
	case "", "either", "any":
		return TargetEither, nil
	case "name", "app", "app_name":
		return TargetName, nil
	case "binary", "process":
		return TargetBinary, nil
	default:
		return 0, fmt.Errorf("unknown match target %q", s)
	}
}

type Rule struct {
	Pattern string
	Kind    MatchKind
	Target  MatchTarget
}

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s(%s)", r.Kind, r.Target, r.Pattern)
}

// Stream is what rules match against
type Stream struct {
	Name   string
	Binary string
}

type compiledRule struct {
	Rule
	channelID string
	seq       uint64

	lowered string
	re      *regexp.Regexp
}

func compile(r Rule) (compiledRule, error) {
	if r.Pattern == "" {
		return compiledRule{}, fmt.Errorf("empty pattern")
	}
	if len(r.Pattern) > MaxPatternLength {
		return compiledRule{}, fmt.Errorf("pattern longer than %d bytes", MaxPatternLength)
	}

	c := compiledRule{Rule: r, lowered: strings.ToLower(r.Pattern)}

	switch r.Kind {
	case MatchLiteral:
	case MatchGlob:
		// surface syntax errors now rather than on first match
		if _, err := path.Match(c.lowered, ""); err != nil {
			return compiledRule{}, fmt.Errorf("invalid glob %q: %w", r.Pattern, err)
		}
	case MatchRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("invalid regex %q: %w", r.Pattern, err)
		}
		c.re = re
	default:
		return compiledRule{}, fmt.Errorf("unknown match kind %d", r.Kind)
	}

	return c, nil
}

func (c *compiledRule) matches(s Stream) bool {
	switch c.Target {
	case TargetName:
		return c.matchOne(s.Name)
	case TargetBinary:
		return c.matchOne(s.Binary)
	default:
		return c.matchOne(s.Name) || c.matchOne(s.Binary)
	}
}

func (c *compiledRule) matchOne(candidate string) bool {
	if candidate == "" {
		return false
	}

	switch c.Kind {
	case MatchLiteral:
		return strings.EqualFold(candidate, c.Pattern)
	case MatchGlob:
		ok, _ := path.Match(c.lowered, strings.ToLower(candidate))
		return ok
	case MatchRegex:
		return c.re.MatchString(candidate)
	}
	return false
}
