// Package util contains helper functions used around the code.
package util

// In returns true if s is found in ss, false otherwise.
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// Dedupe returns the non-empty values of ss in their first-seen order, without duplicates and without any value
// listed in exclude.
func Dedupe(ss []string, exclude ...string) []string {
	out := make([]string, 0, len(ss))
	seen := make(map[string]struct{}, len(ss)+len(exclude))

	for _, e := range exclude {
		seen[e] = struct{}{}
	}

	for _, s := range ss {
		if s == "" {
			continue
		}

		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}

// Without returns a copy of ss with every occurrence of s removed.
func Without(ss []string, s string) []string {
	out := make([]string, 0, len(ss))

	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}

	return out
}
