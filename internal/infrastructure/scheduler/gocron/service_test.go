package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Run("failures push the retry window out", func(t *testing.T) {
		s := &service{health: make(map[string]*tradeHealth)}
		addr := "Atrade111"

		require.False(t, s.skipped(addr, 1))

		// first failure at sweep 1: skip one sweep
		s.recordFailure(addr, 1)
		require.True(t, s.skipped(addr, 2))
		require.False(t, s.skipped(addr, 3))

		// second failure: two extra sweeps
		s.recordFailure(addr, 3)
		require.True(t, s.skipped(addr, 4))
		require.True(t, s.skipped(addr, 5))
		require.False(t, s.skipped(addr, 6))
	})

	t.Run("failure count is capped", func(t *testing.T) {
		s := &service{health: make(map[string]*tradeHealth)}
		addr := "Atrade222"

		for i := 0; i < 20; i++ {
			s.recordFailure(addr, 100)
		}
		maxSkip := backoffTicks[len(backoffTicks)-1]
		require.True(t, s.skipped(addr, 100+maxSkip))
		require.False(t, s.skipped(addr, 101+maxSkip))
	})

	t.Run("success clears the failure history", func(t *testing.T) {
		s := &service{health: make(map[string]*tradeHealth)}
		addr := "Atrade333"

		s.recordFailure(addr, 1)
		s.recordFailure(addr, 2)
		require.True(t, s.skipped(addr, 3))

		s.forget(addr)
		require.False(t, s.skipped(addr, 3))

		// next failure starts from the smallest delay again
		s.recordFailure(addr, 10)
		require.True(t, s.skipped(addr, 11))
		require.False(t, s.skipped(addr, 12))
	})
}
