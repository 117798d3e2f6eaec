package ratelimit

import (
	"fmt"
	"slices"
	"strings"

	"ipwarden/internal/config"
)

const allMethods = "ALL"

// Rule is one entry of the route policy table.
type Rule struct {
	Pattern       string
	Group         string
	Methods       []string
	Rate          Rate
	AnonymousRate Rate
}

func (r Rule) matchesPath(path string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == r.Pattern
}

func (r Rule) matchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == allMethods || m == method {
			return true
		}
	}
	return false
}

// RateFor returns the quota for a caller; anonymous callers get the anonymous
// rate when the rule defines one.
func (r Rule) RateFor(authenticated bool) Rate {
	if !authenticated && !r.AnonymousRate.IsZero() {
		return r.AnonymousRate
	}
	return r.Rate
}

// MethodKey names the counter bucket for the rule's method set, so two rules
// on the same group with different methods count separately.
func (r Rule) MethodKey() string {
	if len(r.Methods) == 0 || slices.Contains(r.Methods, allMethods) {
		return allMethods
	}
	return strings.Join(r.Methods, ",")
}

// Policy is an ordered rule list; the first match wins.
type Policy struct {
	rules []Rule
}

func NewPolicy(rules []config.RateRule) (*Policy, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, raw := range rules {
		pattern := strings.TrimSpace(raw.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("ratelimit: rule %d has no pattern", i)
		}
		if !strings.HasSuffix(pattern, "/*") {
			pattern = config.NormalizePath(pattern)
		}

		rate, err := ParseRate(raw.Rate)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: rule %d (%s): %w", i, pattern, err)
		}

		rule := Rule{
			Pattern: pattern,
			Group:   strings.TrimSpace(raw.Group),
			Rate:    rate,
		}
		if rule.Group == "" {
			rule.Group = pattern
		}
		if raw.AnonymousRate != "" {
			if rule.AnonymousRate, err = ParseRate(raw.AnonymousRate); err != nil {
				return nil, fmt.Errorf("ratelimit: rule %d (%s) anonymous rate: %w", i, pattern, err)
			}
		}
		for _, m := range raw.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				rule.Methods = append(rule.Methods, m)
			}
		}
		slices.Sort(rule.Methods)

		compiled = append(compiled, rule)
	}
	return &Policy{rules: compiled}, nil
}

func (p *Policy) Match(path, method string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	method = strings.ToUpper(method)
	for _, rule := range p.rules {
		if rule.matchesPath(path) && rule.matchesMethod(method) {
			return rule, true
		}
	}
	return Rule{}, false
}

func (p *Policy) Rules() []Rule {
	if p == nil {
		return nil
	}
	return slices.Clone(p.rules)
}
