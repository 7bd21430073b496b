// Package themes tags datasets with a closed theme vocabulary using
// case-insensitive substring rules over name and description. No ML.
package themes

import "strings"

type rule struct {
	code     string
	patterns []string
}

// Within a theme, pattern order only affects speed; the first hit assigns
// the theme and the rest are skipped.
var rules = []rule{
	{"natural_environment", []string{
		"environment", "forest", "woodland", "agriculture", "farm", "park",
		"green space", "greenspace", "tree", "vegetation", "habitat",
		"conservation", "nature", "wildlife", "wild life", "ecology",
	}},
	{"built_environment", []string{
		"building", "structure", "infrastructure", "facility", "construction",
		"development", "property", "estate", "heritage", "historic",
		"address", "utilities", "urban",
	}},
	{"transport", []string{
		"road", "street", "highway", "motorway", "rail", "railway", "train",
		"airport", "transit", "transport", "traffic", "parking", "station",
		"route", "path", "cycle",
	}},
	{"marine", []string{
		"sea", "ocean", "marine", "shipping", "port", "harbour", "coastal",
		"benthic", "bathymetry", "maritime", "tide", "offshore", "beach",
	}},
	{"hydrology", []string{
		"river", "stream", "water", "lake", "pond", "wetland", "flood",
		"drainage", "reservoir", "canal", "catchment", "watershed",
		"aquifer", "spring",
	}},
}

// Codes lists the vocabulary in display order.
func Codes() []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.code
	}
	return out
}

// Classify returns the matching theme codes in vocabulary order. A theme is
// assigned at most once regardless of how many of its patterns match.
func Classify(name, description string) []string {
	text := strings.ToLower(name)
	if description != "" {
		text += " " + strings.ToLower(description)
	}

	var matched []string
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(text, p) {
				matched = append(matched, r.code)
				break
			}
		}
	}
	return matched
}
