package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareTradeIDs_TotalOrder(t *testing.T) {
	ids := []string{"1a", "10", "9", "007", "7", "a", "", "99999999999999999999999", "b-2", "0"}

	for _, a := range ids {
		assert.Zero(t, CompareTradeIDs(a, a), a)
		for _, b := range ids {
			assert.Equal(t, CompareTradeIDs(a, b), -CompareTradeIDs(b, a), "%q vs %q", a, b)
			for _, c := range ids {
				if CompareTradeIDs(a, b) < 0 && CompareTradeIDs(b, c) < 0 {
					assert.Negative(t, CompareTradeIDs(a, c), "%q < %q < %q", a, b, c)
				}
			}
		}
	}

	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return CompareTradeIDs(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, []string{"0", "007", "7", "9", "10", "99999999999999999999999", "", "1a", "a", "b-2"}, sorted)
}
