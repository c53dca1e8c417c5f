package pipeline

import "strings"

type sourcedName struct {
	Name string
	From string
}

func tag(names []string, from string) []sourcedName {
	out := make([]sourcedName, len(names))
	for i, n := range names {
		out[i] = sourcedName{Name: n, From: from}
	}
	return out
}

// mergeSourced concatenates lists, trims names, drops blanks and
// case-insensitive duplicates (first spelling wins) and caps the result.
// limit <= 0 means no cap.
func mergeSourced(limit int, lists ...[]sourcedName) []sourcedName {
	seen := make(map[string]struct{})
	var out []sourcedName
	for _, list := range lists {
		for _, c := range list {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, sourcedName{Name: name, From: c.From})
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}

// MergeCandidates is mergeSourced for plain names.
func MergeCandidates(limit int, lists ...[]string) []string {
	tagged := make([][]sourcedName, len(lists))
	for i, l := range lists {
		tagged[i] = tag(l, "")
	}
	merged := mergeSourced(limit, tagged...)
	out := make([]string, len(merged))
	for i, c := range merged {
		out[i] = c.Name
	}
	return out
}
