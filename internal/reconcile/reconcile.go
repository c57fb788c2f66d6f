// Package reconcile computes the operations that bring the engine's user
// registrations in line with the panel's user list.
package reconcile

import "sort"

// User is a panel user prepared for registration with the engine.
type User struct {
	ID     int
	Secret string
	Key    []byte
}

// Result lists the users to unregister and register, both ordered by id.
// Removals must be applied before additions.
type Result struct {
	ToAdd    []User
	ToRemove []int
}

// Empty reports whether the result carries no operations.
func (r Result) Empty() bool {
	return len(r.ToAdd) == 0 && len(r.ToRemove) == 0
}

// Diff compares the applied set with a freshly fetched list. A user whose
// secret changed appears in both ToRemove and ToAdd. When fetched contains
// the same id twice, the first occurrence wins.
func Diff(current map[int]User, fetched []User) Result {
	var res Result
	seen := make(map[int]struct{}, len(fetched))

	for _, u := range fetched {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}

		old, ok := current[u.ID]
		switch {
		case !ok:
			res.ToAdd = append(res.ToAdd, u)
		case old.Secret != u.Secret:
			res.ToRemove = append(res.ToRemove, u.ID)
			res.ToAdd = append(res.ToAdd, u)
		}
	}

	for id := range current {
		if _, ok := seen[id]; !ok {
			res.ToRemove = append(res.ToRemove, id)
		}
	}

	sort.Ints(res.ToRemove)
	sort.Slice(res.ToAdd, func(i, j int) bool { return res.ToAdd[i].ID < res.ToAdd[j].ID })
	return res
}

// Apply returns the set that results from applying res to current when
// every operation succeeds. current is not modified.
func Apply(current map[int]User, res Result) map[int]User {
	next := make(map[int]User, len(current)+len(res.ToAdd))
	for id, u := range current {
		next[id] = u
	}
	for _, id := range res.ToRemove {
		delete(next, id)
	}
	for _, u := range res.ToAdd {
		next[u.ID] = u
	}
	return next
}
