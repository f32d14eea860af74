package sched

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGcd(t *testing.T) {
	require.Equal(t, 1, gcd(13, 7))
	require.Equal(t, 6, gcd(54, 24))
	require.Equal(t, 5, gcd(5, 0))
}

func TestPermutation_VisitsEveryIndexExactlyOnce(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 2, 7, 16} {
		order := permutation(r, n)
		require.Len(t, order, n)
		if n == 0 {
			continue
		}
		seen := make(map[int]bool, n)
		for _, v := range order {
			require.False(t, seen[v], "index %d visited twice", v)
			seen[v] = true
		}
		require.Len(t, seen, n)
	}
}

func TestPermutation_StrideIsCoprimeWithN(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	order := permutation(r, 12)
	require.Len(t, order, 12)
	stride := (order[1] - order[0] + 12) % 12
	require.Equal(t, 1, gcd(stride, 12), "stride must be coprime with n or the walk would skip indices")
}
