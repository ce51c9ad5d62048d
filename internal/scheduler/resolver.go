package scheduler

import "strings"

// Resolver infers dependencies between the tasks of one batch.
// Implementations must only reference tasks inside the batch and must not make a
// task depend on itself. They are not required to produce an acyclic relation.
type Resolver interface {
	Resolve(specs []Spec) []Spec
}

// patternRule adds a dependency on target when a task's lowercased name contains match.
type patternRule struct {
	match  string
	target string
}

var defaultPatternRules = []patternRule{
	{match: "implement authentication ui", target: "set up react project"},
	{match: "integrate frontend with backend authentication", target: "implement authentication ui"},
	{match: "integrate frontend with backend authentication", target: "set up backend authentication api"},
}

// HeuristicResolver infers dependencies from names mentioned in descriptions plus a
// few fixed naming patterns. It is best-effort.
type HeuristicResolver struct {
	rules []patternRule
}

// NewHeuristicResolver returns the default resolver.
func NewHeuristicResolver() *HeuristicResolver {
	return &HeuristicResolver{rules: defaultPatternRules}
}

// Resolve returns copies of specs with inferred dependencies merged into any
// explicitly declared ones. Dependencies are recorded by task name.
func (r *HeuristicResolver) Resolve(specs []Spec) []Spec {
	byName := make(map[string]string, len(specs)) // lowercased name -> name
	for _, s := range specs {
		key := strings.ToLower(s.Name)
		if _, ok := byName[key]; !ok {
			byName[key] = s.Name
		}
	}

	out := make([]Spec, len(specs))
	for i, s := range specs {
		self := strings.ToLower(s.Name)
		desc := strings.ToLower(s.Description)

		deps := newOrderedSet()
		for _, d := range s.Dependencies {
			if strings.EqualFold(d, s.Name) || (s.ID != "" && d == s.ID) {
				continue
			}
			deps.add(d)
		}

		for _, other := range specs {
			name := strings.ToLower(other.Name)
			if name == "" || name == self {
				continue
			}
			if strings.Contains(desc, name) {
				deps.add(other.Name)
			}
		}

		for _, rule := range r.rules {
			if !strings.Contains(self, rule.match) {
				continue
			}
			if target, ok := byName[rule.target]; ok && rule.target != self {
				deps.add(target)
			}
		}

		if strings.Contains(self, "write tests") {
			related := strings.ReplaceAll(self, "write tests for ", "")
			related = strings.ReplaceAll(related, " tests", "")
			if target, ok := byName[related]; ok && related != self {
				deps.add(target)
			}
		}

		cp := s
		cp.RequiredTechnologies = append([]string(nil), s.RequiredTechnologies...)
		cp.Dependencies = deps.items
		out[i] = cp
	}
	return out
}

// orderedSet deduplicates case-insensitively while keeping first-seen order.
type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(v string) {
	key := strings.ToLower(v)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.items = append(s.items, v)
}
