package config

import (
	"fmt"
	"sort"
)

// Market describes how one instrument's book may be grouped.
type Market struct {
	DefaultGroup float64   `yaml:"default_group" json:"default_group"`
	Groups       []float64 `yaml:"groups" json:"groups"`
}

// Allows reports whether g is one of the market's group sizes.
func (m Market) Allows(g float64) bool {
	for _, x := range m.Groups {
		if x == g {
			return true
		}
	}
	return false
}

// Markets maps a market id to its grouping options.
type Markets map[string]Market

func (ms Markets) Lookup(id string) (Market, bool) {
	m, ok := ms[id]
	return m, ok
}

// IDs returns market ids in lexical order.
func (ms Markets) IDs() []string {
	out := make([]string, 0, len(ms))
	for id := range ms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Next picks the market after current in order, wrapping around. Markets
// missing from order are ignored; an empty order falls back to IDs().
func (ms Markets) Next(current string, order []string) string {
	if len(order) == 0 {
		order = ms.IDs()
	}
	if len(order) == 0 {
		return current
	}
	for i, id := range order {
		if id == current {
			return order[(i+1)%len(order)]
		}
	}
	return order[0]
}

func (ms Markets) Validate() error {
	if len(ms) == 0 {
		return fmt.Errorf("markets: none configured")
	}
	for id, m := range ms {
		if len(m.Groups) == 0 {
			return fmt.Errorf("markets.%s: no groups", id)
		}
		for _, g := range m.Groups {
			if g <= 0 {
				return fmt.Errorf("markets.%s: group %v must be positive", id, g)
			}
		}
		if !m.Allows(m.DefaultGroup) {
			return fmt.Errorf("markets.%s: default_group %v not in groups %v", id, m.DefaultGroup, m.Groups)
		}
	}
	return nil
}
