// Package subscription keeps each user's upstream streams in line with the
// instruments they want, one partition per user.
package subscription

import "sort"

// Diff returns desired − previous and previous − desired, both sorted and
// deduplicated. The two results never overlap.
func Diff(previous, desired []string) (toSubscribe, toUnsubscribe []string) {
	prev := toSet(previous)
	want := toSet(desired)

	for inst := range want {
		if _, ok := prev[inst]; !ok {
			toSubscribe = append(toSubscribe, inst)
		}
	}
	for inst := range prev {
		if _, ok := want[inst]; !ok {
			toUnsubscribe = append(toUnsubscribe, inst)
		}
	}
	sort.Strings(toSubscribe)
	sort.Strings(toUnsubscribe)
	return toSubscribe, toUnsubscribe
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		set[it] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
