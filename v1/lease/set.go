package lease

import "sort"

// IDSet is a set of item ids.
type IDSet map[int64]struct{}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in ascending order.
func (s IDSet) Slice() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
