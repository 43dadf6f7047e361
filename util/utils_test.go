package util

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapNDropsFailures(t *testing.T) {
	out := MapN([]string{"1", "x", "3"}, func(s string) (int, error) {
		return strconv.Atoi(s)
	})
	assert.Equal(t, []int{1, 3}, out)

	none := MapN([]int{}, func(i int) (int, error) { return i, errors.New("unused") })
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestFilterAndReduce(t *testing.T) {
	evens := Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	assert.Equal(t, []int{2, 4}, evens)

	sum := Reduce([]int{1, 2, 3}, func(i int, acc int) int { return acc + i }, 10)
	assert.Equal(t, 16, sum)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
	assert.Empty(t, SortedKeys(map[string]int{}))
}
