package model

import "strings"

// CompareTradeIDs orders trade ids ascending. All-digit ids sort before any
// other id and compare by numeric value, so "9" comes before "10"; spellings
// of the same value ("007", "7") fall back to plain text order. Other ids
// compare lexicographically.
func CompareTradeIDs(a, b string) int {
	if a == b {
		return 0
	}
	ad, bd := isDigits(a), isDigits(b)
	switch {
	case ad && !bd:
		return -1
	case !ad && bd:
		return 1
	case ad && bd:
		an, bn := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(an) != len(bn) {
			if len(an) < len(bn) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(an, bn); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
