package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func set(users ...User) map[int]User {
	m := make(map[int]User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	return m
}

func TestDiffIdempotent(t *testing.T) {
	users := []User{{ID: 1, Secret: "a"}, {ID: 2, Secret: "b"}, {ID: 3, Secret: "c"}}
	res := Diff(set(users...), users)
	assert.True(t, res.Empty())
	assert.Empty(t, res.ToAdd)
	assert.Empty(t, res.ToRemove)
}

func TestDiffEmptySets(t *testing.T) {
	assert.True(t, Diff(nil, nil).Empty())

	res := Diff(set(User{ID: 1, Secret: "a"}), nil)
	assert.Equal(t, []int{1}, res.ToRemove)
	assert.Empty(t, res.ToAdd)
}

func TestDiffAddRemove(t *testing.T) {
	current := set(User{ID: 1, Secret: "a"}, User{ID: 2, Secret: "b"})
	fetched := []User{{ID: 3, Secret: "c"}, {ID: 1, Secret: "a"}}

	res := Diff(current, fetched)
	assert.Equal(t, []int{2}, res.ToRemove)
	assert.Equal(t, []User{{ID: 3, Secret: "c"}}, res.ToAdd)
}

func TestDiffChangedSecret(t *testing.T) {
	current := set(User{ID: 1, Secret: "old"}, User{ID: 2, Secret: "b"})
	fetched := []User{{ID: 2, Secret: "b"}, {ID: 1, Secret: "new"}}

	res := Diff(current, fetched)
	assert.Equal(t, []int{1}, res.ToRemove)
	assert.Equal(t, []User{{ID: 1, Secret: "new"}}, res.ToAdd)
}

func TestDiffDuplicateFetched(t *testing.T) {
	fetched := []User{{ID: 1, Secret: "first"}, {ID: 1, Secret: "second"}}
	res := Diff(nil, fetched)
	assert.Equal(t, []User{{ID: 1, Secret: "first"}}, res.ToAdd)
}

func TestDiffOrdered(t *testing.T) {
	current := set(User{ID: 9}, User{ID: 4}, User{ID: 7})
	fetched := []User{{ID: 30}, {ID: 10}, {ID: 20}}

	res := Diff(current, fetched)
	assert.Equal(t, []int{4, 7, 9}, res.ToRemove)
	assert.Equal(t, []User{{ID: 10}, {ID: 20}, {ID: 30}}, res.ToAdd)
}

func TestApplyConverges(t *testing.T) {
	tests := []struct {
		name string
		a, b []User
	}{
		{"disjoint", []User{{ID: 1, Secret: "a"}}, []User{{ID: 2, Secret: "b"}}},
		{"overlap", []User{{ID: 1, Secret: "a"}, {ID: 2, Secret: "b"}}, []User{{ID: 2, Secret: "b"}, {ID: 3, Secret: "c"}}},
		{"secret change", []User{{ID: 1, Secret: "a"}}, []User{{ID: 1, Secret: "z"}}},
		{"to empty", []User{{ID: 1, Secret: "a"}}, nil},
		{"from empty", nil, []User{{ID: 5, Secret: "e"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := set(tt.a...)
			next := Apply(current, Diff(current, tt.b))
			assert.Equal(t, set(tt.b...), next)
			assert.Equal(t, set(tt.a...), current, "Apply must not modify its input")
		})
	}
}
