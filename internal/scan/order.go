package scan

import (
	"fmt"
	"sort"
	"strings"
)

// SortOrder controls how transfers are presented
type SortOrder int

const (
	// OrderInsertion keeps the stored order
	OrderInsertion SortOrder = iota
	// OrderAscending sorts oldest first by capture time
	OrderAscending
	// OrderDescending sorts newest first by capture time
	OrderDescending
)

// ParseSortOrder accepts "", "insertion", "asc" and "desc"
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "insertion":
		return OrderInsertion, nil
	case "asc", "ascending":
		return OrderAscending, nil
	case "desc", "descending":
		return OrderDescending, nil
	default:
		return OrderInsertion, fmt.Errorf("unknown sort order: %q", s)
	}
}

// SortedTransfers returns a sorted copy of transfers. Records captured at the
// same instant keep their stored order.
func SortedTransfers(transfers []TransferRecord, order SortOrder) []TransferRecord {
	out := make([]TransferRecord, len(transfers))
	copy(out, transfers)

	switch order {
	case OrderAscending:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		})
	case OrderDescending:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CapturedAt.After(out[j].CapturedAt)
		})
	}
	return out
}
