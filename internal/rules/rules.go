// Package rules matches console routes to the rate limit policies that
// guard them.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// IdentifyBy determines how to extract the client identifier from a request.
type IdentifyBy string

const (
	// IdentifyByIP extracts the client IP address (default).
	IdentifyByIP IdentifyBy = "ip"
	// IdentifyByUser uses the subject of the verified bearer token.
	IdentifyByUser IdentifyBy = "user"
	// IdentifyByHeader extracts a value from a specific request header.
	IdentifyByHeader IdentifyBy = "header"
)

// Valid reports whether i is a known identification mode.
func (i IdentifyBy) Valid() bool {
	switch i {
	case IdentifyByIP, IdentifyByUser, IdentifyByHeader:
		return true
	default:
		return false
	}
}

// Rule defines a rate limiting policy that applies to matched requests.
type Rule struct {
	// Name is a human-readable identifier for the rule.
	Name string
	// Scope is the limiter key. Empty means "api:<name>:<identify_by>".
	Scope string
	// Pattern is a slash separated route: literal segments, ":name"
	// parameters that match one non-empty segment, and a trailing "*" that
	// matches the rest of the path.
	Pattern string
	// Methods restricts the rule to these HTTP methods. Empty means any.
	Methods []string
	// Priority orders matches, highest first.
	Priority int
	// Limit is the number of requests admitted per Window.
	Limit  int64
	Window time.Duration
	// IdentifyBy defaults to IdentifyByIP.
	IdentifyBy IdentifyBy
	// HeaderName is read when IdentifyBy is IdentifyByHeader.
	HeaderName string
}

// Validate reports the first problem that would keep r from being enforced.
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be greater than 0")
	}
	if r.Window < time.Second {
		return fmt.Errorf("window must be at least one second")
	}
	if r.IdentifyBy != "" && !r.IdentifyBy.Valid() {
		return fmt.Errorf("unknown identify_by %q", r.IdentifyBy)
	}
	if r.IdentifyBy == IdentifyByHeader && strings.TrimSpace(r.HeaderName) == "" {
		return fmt.Errorf("header name is required when identify_by is %q", IdentifyByHeader)
	}
	_, err := parsePattern(r.Pattern)
	return err
}

// ScopeKey returns the limiter key for the rule.
func (r Rule) ScopeKey() string {
	if s := strings.TrimSpace(r.Scope); s != "" {
		return s
	}

	identifyBy := r.IdentifyBy
	if identifyBy == "" {
		identifyBy = IdentifyByIP
	}
	return "api:" + r.Name + ":" + string(identifyBy)
}

// Match is a rule that applies to a request, with the path parameters it
// captured. A trailing wildcard is captured under "*".
type Match struct {
	Rule   Rule
	Params map[string]string
}

// Matcher holds compiled rules ordered by priority. The zero value and a nil
// *Matcher match nothing.
type Matcher struct {
	compiled []compiledRule
}

type segmentKind uint8

const (
	literalSegment segmentKind = iota
	paramSegment
	restSegment
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

type compiledRule struct {
	rule     Rule
	segments []segment
	methods  map[string]struct{}
}

// New validates and compiles rules. Rules with equal priority keep their
// input order.
func New(rules []Rule) (*Matcher, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules: rule %q: %w", r.Name, err)
		}

		segments, _ := parsePattern(r.Pattern)
		cr := compiledRule{rule: r, segments: segments}
		if len(r.Methods) > 0 {
			cr.methods = make(map[string]struct{}, len(r.Methods))
			for _, m := range r.Methods {
				cr.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
			}
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	return &Matcher{compiled: compiled}, nil
}

// Match returns the highest priority rule for method and path, or nil.
func (m *Matcher) Match(method, path string) *Match {
	all := m.match(method, path, true)
	if len(all) == 0 {
		return nil
	}
	return &all[0]
}

// MatchAll returns every rule for method and path, highest priority first.
// An endpoint limited both per IP and per user yields two matches.
func (m *Matcher) MatchAll(method, path string) []Match {
	return m.match(method, path, false)
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.compiled)
}

func (m *Matcher) match(method, path string, first bool) []Match {
	if m == nil || !strings.HasPrefix(path, "/") {
		return nil
	}

	method = strings.ToUpper(method)
	parts := strings.Split(path[1:], "/")

	var out []Match
	for _, cr := range m.compiled {
		if cr.methods != nil {
			if _, ok := cr.methods[method]; !ok {
				continue
			}
		}
		params, ok := matchSegments(cr.segments, parts)
		if !ok {
			continue
		}
		out = append(out, Match{Rule: cr.rule, Params: params})
		if first {
			break
		}
	}
	return out
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	var params map[string]string
	capture := func(name, value string) {
		if params == nil {
			params = make(map[string]string)
		}
		params[name] = value
	}

	for i, seg := range segments {
		if seg.kind == restSegment {
			if i >= len(parts) {
				return nil, false
			}
			capture("*", strings.Join(parts[i:], "/"))
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}

		switch seg.kind {
		case literalSegment:
			if parts[i] != seg.value {
				return nil, false
			}
		case paramSegment:
			if parts[i] == "" {
				return nil, false
			}
			capture(seg.value, parts[i])
		}
	}

	if len(parts) != len(segments) {
		return nil, false
	}
	return params, true
}

// parsePattern splits a pattern like "/vendors/:id/payouts" or "/api/*"
// into segments.
func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must start with /")
	}

	raw := strings.Split(pattern[1:], "/")
	segments := make([]segment, 0, len(raw))
	seen := make(map[string]bool)

	for i, part := range raw {
		switch {
		case part == "*":
			if i != len(raw)-1 {
				return nil, fmt.Errorf("wildcard (*) must be the last segment")
			}
			segments = append(segments, segment{kind: restSegment})
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if !validParamName(name) {
				return nil, fmt.Errorf("invalid parameter name %q", name)
			}
			if seen[name] {
				return nil, fmt.Errorf("duplicate parameter %q", name)
			}
			seen[name] = true
			segments = append(segments, segment{kind: paramSegment, value: name})
		default:
			segments = append(segments, segment{kind: literalSegment, value: part})
		}
	}

	return segments, nil
}

func validParamName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if !letter && (i == 0 || !digit) {
			return false
		}
	}
	return true
}
