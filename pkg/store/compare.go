package store

import "strings"

// CompareFuncG returns negative, zero or positive like strings.Compare.
type CompareFuncG[K any] func(lhs, rhs K) int

type LessFunc[K any] func(k1, k2 K) bool

func StringLessFunc(k1, k2 string) bool {
	return k1 < k2
}

func CompareString(lhs, rhs string) int {
	return strings.Compare(lhs, rhs)
}

func CompareInt64(lhs, rhs int64) int {
	switch {
	case lhs < rhs:
		return -1
	case lhs > rhs:
		return 1
	default:
		return 0
	}
}
