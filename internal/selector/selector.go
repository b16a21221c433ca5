// Package selector decides which exchange ids take part in a view and in
// what order they are displayed.
package selector

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// MarketFilter names a market group, or All.
type MarketFilter string

// All matches every exchange id.
const All MarketFilter = "all"

// ErrUnknownMarket is returned for a filter outside the configured set
var ErrUnknownMarket = errors.New("unknown market filter")

// Group is one market category. Patterns are shell globs matched against
// the lower-cased exchange id.
type Group struct {
	Name     string   `yaml:"name" json:"name"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// DefaultGroups is used when no groups are configured. Exchange ids are
// expected in "venue:market" form.
func DefaultGroups() []Group {
	return []Group{
		{Name: "spot", Patterns: []string{"*:spot", "*:spot:*"}},
		{Name: "perp", Patterns: []string{"*:perp", "*:perp:*", "*:swap", "*:swap:*"}},
		{Name: "futures", Patterns: []string{"*:futures", "*:futures:*"}},
		{Name: "dex", Patterns: []string{"dex:*", "*:dex", "*:amm"}},
	}
}

// Selector holds the closed set of market groups in display order.
type Selector struct {
	groups []Group
	index  map[MarketFilter]int
}

// New validates the groups and builds a selector. The order of groups is the
// display order used by SortByGroup.
func New(groups []Group) (*Selector, error) {
	if len(groups) == 0 {
		groups = DefaultGroups()
	}
	s := &Selector{index: make(map[MarketFilter]int, len(groups))}
	for i, g := range groups {
		name := MarketFilter(strings.ToLower(strings.TrimSpace(g.Name)))
		if name == "" || name == All {
			return nil, fmt.Errorf("group %d: invalid name %q", i, g.Name)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("group %q defined twice", name)
		}
		if len(g.Patterns) == 0 {
			return nil, fmt.Errorf("group %q has no patterns", name)
		}
		patterns := make([]string, 0, len(g.Patterns))
		for _, p := range g.Patterns {
			p = strings.ToLower(p)
			if _, err := path.Match(p, ""); err != nil {
				return nil, fmt.Errorf("group %q: bad pattern %q: %w", name, p, err)
			}
			patterns = append(patterns, p)
		}
		s.index[name] = len(s.groups)
		s.groups = append(s.groups, Group{Name: string(name), Patterns: patterns})
	}
	return s, nil
}

// Filters returns All followed by every group name in display order.
func (s *Selector) Filters() []MarketFilter {
	out := make([]MarketFilter, 0, len(s.groups)+1)
	out = append(out, All)
	for _, g := range s.groups {
		out = append(out, MarketFilter(g.Name))
	}
	return out
}

// ParseFilter normalizes a filter value and checks it is known. Empty means All.
func (s *Selector) ParseFilter(v string) (MarketFilter, error) {
	f := MarketFilter(strings.ToLower(strings.TrimSpace(v)))
	if f == "" || f == All {
		return All, nil
	}
	if _, ok := s.index[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, v)
	}
	return f, nil
}

// GroupOf returns the first group matching id and its display rank. Ids that
// match no group rank after every group.
func (s *Selector) GroupOf(id string) (string, int) {
	lower := strings.ToLower(id)
	for i, g := range s.groups {
		if matchAny(g.Patterns, lower) {
			return g.Name, i
		}
	}
	return "", len(s.groups)
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, id); ok {
			return true
		}
	}
	return false
}

// FilterByMarket returns the ids belonging to filter, preserving input order
// and dropping duplicates.
func (s *Selector) FilterByMarket(ids []string, filter MarketFilter) ([]string, error) {
	f, err := s.ParseFilter(string(filter))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if f == All || matchAny(s.groups[s.index[f]].Patterns, strings.ToLower(id)) {
			out = append(out, id)
		}
	}
	return out, nil
}

// SortByGroup orders ids by group rank, then by id. The input is not modified.
func (s *Selector) SortByGroup(ids []string) []string {
	type keyed struct {
		id   string
		rank int
	}
	ks := make([]keyed, 0, len(ids))
	for _, id := range ids {
		_, rank := s.GroupOf(id)
		ks = append(ks, keyed{id: id, rank: rank})
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if ks[i].rank != ks[j].rank {
			return ks[i].rank < ks[j].rank
		}
		return ks[i].id < ks[j].id
	})
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.id
	}
	return out
}

// Membership pairs an exchange id with its group for display.
type Membership struct {
	ExchangeID string `json:"exchangeId"`
	Group      string `json:"group"`
}

// Describe returns SortByGroup(ids) annotated with group names.
func (s *Selector) Describe(ids []string) []Membership {
	sorted := s.SortByGroup(ids)
	out := make([]Membership, 0, len(sorted))
	for _, id := range sorted {
		g, _ := s.GroupOf(id)
		out = append(out, Membership{ExchangeID: id, Group: g})
	}
	return out
}
