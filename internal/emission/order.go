package emission

import (
	"sort"
	"strconv"
)

// sortStatementIDs orders numeric ids numerically and the rest lexically
// after them.
func sortStatementIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, aErr := strconv.Atoi(ids[i])
		b, bErr := strconv.Atoi(ids[j])
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

// SortedStatementIDs returns the keys of grouped in statement order.
func SortedStatementIDs(grouped map[string][]Triple) []string {
	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sortStatementIDs(ids)
	return ids
}
