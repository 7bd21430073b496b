package themes

import (
	"fmt"
	"sort"

	"github.com/spheraform/spheraform/internal/model"
)

// Taxonomy is the theme tree backed by an arena; nodes reference each other
// by integer index rather than pointers.
type Taxonomy struct {
	nodes    []model.Theme
	index    map[string]int
	children map[int][]int
}

func NewTaxonomy(themes []model.Theme) (*Taxonomy, error) {
	t := &Taxonomy{
		nodes:    make([]model.Theme, len(themes)),
		index:    make(map[string]int, len(themes)),
		children: map[int][]int{},
	}
	copy(t.nodes, themes)
	for i, th := range t.nodes {
		if th.Code == "" {
			return nil, fmt.Errorf("theme %d: empty code", i)
		}
		if _, dup := t.index[th.Code]; dup {
			return nil, fmt.Errorf("theme %q: duplicate code", th.Code)
		}
		t.index[th.Code] = i
	}
	for i, th := range t.nodes {
		if th.ParentCode == nil {
			continue
		}
		pi, ok := t.index[*th.ParentCode]
		if !ok {
			return nil, fmt.Errorf("theme %q: unknown parent %q", th.Code, *th.ParentCode)
		}
		if pi == i {
			return nil, fmt.Errorf("theme %q: is its own parent", th.Code)
		}
		t.children[pi] = append(t.children[pi], i)
	}
	return t, nil
}

func (t *Taxonomy) Get(code string) (model.Theme, bool) {
	i, ok := t.index[code]
	if !ok {
		return model.Theme{}, false
	}
	return t.nodes[i], true
}

func (t *Taxonomy) Children(code string) []model.Theme {
	i, ok := t.index[code]
	if !ok {
		return nil
	}
	out := make([]model.Theme, 0, len(t.children[i]))
	for _, ci := range t.children[i] {
		out = append(out, t.nodes[ci])
	}
	sortThemes(out)
	return out
}

func (t *Taxonomy) Roots() []model.Theme {
	var out []model.Theme
	for _, th := range t.nodes {
		if th.ParentCode == nil {
			out = append(out, th)
		}
	}
	sortThemes(out)
	return out
}

func (t *Taxonomy) All() []model.Theme {
	out := make([]model.Theme, len(t.nodes))
	copy(out, t.nodes)
	sortThemes(out)
	return out
}

func sortThemes(ts []model.Theme) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].DisplayOrder != ts[j].DisplayOrder {
			return ts[i].DisplayOrder < ts[j].DisplayOrder
		}
		return ts[i].Code < ts[j].Code
	})
}

// Defaults returns the built-in vocabulary used when the themes table is
// empty.
func Defaults() []model.Theme {
	out := make([]model.Theme, 0, len(rules))
	names := map[string]string{
		"natural_environment": "Natural environment",
		"built_environment":   "Built environment",
		"transport":           "Transport",
		"marine":              "Marine",
		"hydrology":           "Hydrology",
	}
	for i, r := range rules {
		out = append(out, model.Theme{
			Code:         r.code,
			Name:         names[r.code],
			Aliases:      model.StringList(r.patterns),
			DisplayOrder: i,
		})
	}
	return out
}
