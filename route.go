package xrsocket

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// RouteSeparator splits routes into segments. Routes are hierarchical but are
// not URL paths: no percent-decoding is applied.
const RouteSeparator = "."

const wildcardSegment = "**"

type segmentKind uint8

const (
	literalSegment segmentKind = iota
	variableSegment
	trailingWildcard
)

type segment struct {
	kind segmentKind
	text string // literal text or variable name
}

// RoutePattern is a compiled route template such as
// "locate.radars.within.{id}" or "telemetry.**".
type RoutePattern struct {
	Template string
	segments []segment
	literals int
	vars     int
	wildcard bool
}

// ParsePattern compiles template. Segments are literals, "{name}" variables,
// or a single trailing "**" matching zero or more segments.
func ParsePattern(template string) (*RoutePattern, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: empty template", ErrInvalidPattern)
	}
	parts := strings.Split(template, RouteSeparator)
	p := &RoutePattern{Template: template, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]struct{})
	for i, part := range parts {
		switch {
		case part == "":
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, template)
		case part == wildcardSegment:
			if i != len(parts)-1 {
				return nil, fmt.Errorf("%w: %q: ** must be the last segment", ErrInvalidPattern, template)
			}
			p.segments = append(p.segments, segment{kind: trailingWildcard})
			p.wildcard = true
			p.vars++
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}") {
				return nil, fmt.Errorf("%w: %q: bad variable %q", ErrInvalidPattern, template, part)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("%w: %q: variable %q repeated", ErrInvalidPattern, template, name)
			}
			seen[name] = struct{}{}
			p.segments = append(p.segments, segment{kind: variableSegment, text: name})
			p.vars++
		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("%w: %q: bad segment %q", ErrInvalidPattern, template, part)
		default:
			p.segments = append(p.segments, segment{kind: literalSegment, text: part})
			p.literals++
		}
	}
	return p, nil
}

// Variables returns the number of variable segments, counting "**" as one.
func (p *RoutePattern) Variables() int { return p.vars }

func (p *RoutePattern) String() string { return p.Template }

func (p *RoutePattern) match(parts []string) (RouteVars, bool) {
	fixed := len(p.segments)
	if p.wildcard {
		fixed--
		if len(parts) < fixed {
			return nil, false
		}
	} else if len(parts) != fixed {
		return nil, false
	}

	var vars RouteVars
	for i := 0; i < fixed; i++ {
		seg := p.segments[i]
		switch seg.kind {
		case literalSegment:
			if parts[i] != seg.text {
				return nil, false
			}
		case variableSegment:
			if parts[i] == "" {
				return nil, false
			}
			if vars == nil {
				vars = make(RouteVars, p.vars)
			}
			vars[seg.text] = parts[i]
		}
	}
	return vars, true
}

// RouteVars holds the values captured by variable segments.
type RouteVars map[string]string

// Get returns the value bound to name, or "".
func (v RouteVars) Get(name string) string { return v[name] }

type routeEntry struct {
	pattern *RoutePattern
	binding *HandlerBinding
	order   int
}

// RouteMatcher resolves routes to handler bindings. Patterns are registered
// at startup; matching is safe for concurrent use.
type RouteMatcher struct {
	mu      sync.RWMutex
	entries []*routeEntry
	byTmpl  map[string]struct{}
	seq     int
}

// NewRouteMatcher returns an empty matcher.
func NewRouteMatcher() *RouteMatcher {
	return &RouteMatcher{byTmpl: make(map[string]struct{})}
}

// Register compiles template and binds it to b. The compiled pattern is
// stored in b.Pattern.
func (m *RouteMatcher) Register(template string, b *HandlerBinding) error {
	if b == nil {
		return ErrNilHandler
	}
	p, err := ParsePattern(template)
	if err != nil {
		return err
	}
	b.Pattern = p

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byTmpl[template]; dup {
		return fmt.Errorf("%w: %q already registered", ErrInvalidPattern, template)
	}
	m.byTmpl[template] = struct{}{}
	m.seq++
	m.entries = append(m.entries, &routeEntry{pattern: p, binding: b, order: m.seq})
	// Keep the table ordered by specificity so the first match wins.
	slices.SortStableFunc(m.entries, compareSpecificity)
	return nil
}

// compareSpecificity orders more literal segments first, then fewer
// variables, then non-wildcard patterns, then registration order.
func compareSpecificity(a, b *routeEntry) int {
	if a.pattern.literals != b.pattern.literals {
		return b.pattern.literals - a.pattern.literals
	}
	if a.pattern.vars != b.pattern.vars {
		return a.pattern.vars - b.pattern.vars
	}
	if a.pattern.wildcard != b.pattern.wildcard {
		if a.pattern.wildcard {
			return 1
		}
		return -1
	}
	return a.order - b.order
}

// Match returns the most specific binding for route and its variables.
func (m *RouteMatcher) Match(route string) (*HandlerBinding, RouteVars, bool) {
	parts := strings.Split(route, RouteSeparator)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if vars, ok := e.pattern.match(parts); ok {
			if vars == nil {
				vars = RouteVars{}
			}
			return e.binding, vars, true
		}
	}
	return nil, nil, false
}

// Patterns returns the registered templates in match order.
func (m *RouteMatcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.pattern.Template
	}
	return out
}

// Len returns the number of registered patterns.
func (m *RouteMatcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
