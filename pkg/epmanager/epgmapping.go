package epmanager

import (
	"sort"
	"strings"

	"github.com/opendaylight/opflex-agent/pkg/model"
)

// Match types for attribute-mapping rules
const (
	MatchStartsWith = "starts-with"
	MatchEndsWith   = "ends-with"
	MatchContains   = "contains"
	MatchEquals     = "equals"
)

// MappingRule matches one endpoint attribute against a string and, on
// success, steers the endpoint into a target group.
type MappingRule struct {
	// Order ranks the rule within its mapping; lower orders are
	// evaluated first, ties broken by rule name
	Order int

	// Name identifies the rule within the mapping
	Name string

	// AttributeName selects the endpoint attribute to test
	AttributeName string

	// MatchString is compared against the attribute value using
	// MatchType
	MatchString string

	// MatchType is one of starts-with, ends-with, contains, equals
	MatchType string

	// Negated inverts the match result
	Negated bool

	// GroupURI is the target endpoint group on a successful match
	GroupURI string
}

// matches evaluates the rule against an attribute value
func (r *MappingRule) matches(value string) bool {
	var ok bool
	switch r.MatchType {
	case MatchStartsWith:
		ok = strings.HasPrefix(value, r.MatchString)
	case MatchEndsWith:
		ok = strings.HasSuffix(value, r.MatchString)
	case MatchContains:
		ok = strings.Contains(value, r.MatchString)
	case MatchEquals:
		ok = value == r.MatchString
	}
	if r.Negated {
		ok = !ok
	}
	return ok
}

// EpgMapping is a named, ordered list of attribute-match rules with an
// optional default group. Endpoints that declare the mapping's alias
// are resolved through it.
type EpgMapping struct {
	// Name is the alias endpoints reference via eg-mapping-alias
	Name string

	// DefaultGroupURI is used when no rule matches; empty leaves the
	// endpoint unresolved
	DefaultGroupURI string

	// Rules are evaluated in (Order, Name) order
	Rules []MappingRule
}

// sortedRules returns the rules ordered by ascending Order, ties broken
// by rule name lexicographically.
func (m *EpgMapping) sortedRules() []MappingRule {
	rules := append([]MappingRule(nil), m.Rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Order != rules[j].Order {
			return rules[i].Order < rules[j].Order
		}
		return rules[i].Name < rules[j].Name
	})
	return rules
}

// resolve applies the mapping to an attribute set and returns the
// target group URI, or empty if unresolved. Missing attributes compare
// as the empty string.
func (m *EpgMapping) resolve(attrs *model.AttrMap) string {
	for _, rule := range m.sortedRules() {
		value, _ := attrs.Get(rule.AttributeName)
		if rule.matches(value) {
			return rule.GroupURI
		}
	}
	return m.DefaultGroupURI
}

// copyMapping returns a deep copy
func copyMapping(m *EpgMapping) *EpgMapping {
	out := *m
	out.Rules = append([]MappingRule(nil), m.Rules...)
	return &out
}
