package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stage/backend/model"
)

func mustCID(t *testing.T, s string) model.CommitID {
	t.Helper()
	c, err := model.NewCID(0x71, []byte(s))
	require.NoError(t, err)
	return c
}

// linear chain: c0 <- c1 <- c2
func TestHistoryLinear(t *testing.T) {
	c0 := mustCID(t, "c0")
	c1 := mustCID(t, "c1")
	c2 := mustCID(t, "c2")

	causal := model.NewCausalOrder()
	causal.AddCommit(c0, nil)
	causal.AddCommit(c1, []model.CommitID{c0})
	causal.AddCommit(c2, []model.CommitID{c1})

	hist, err := History(causal, c2)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.True(t, hist[0].Equals(c0))
	require.True(t, hist[1].Equals(c1))
	require.True(t, hist[2].Equals(c2))
}

// merge: c0 <- c1, c0 <- c2, merge m <- {c1, c2}
func TestHistoryMerge(t *testing.T) {
	c0 := mustCID(t, "c0")
	c1 := mustCID(t, "c1")
	c2 := mustCID(t, "c2")
	m := mustCID(t, "m")

	causal := model.NewCausalOrder()
	causal.AddCommit(c0, nil)
	causal.AddCommit(c1, []model.CommitID{c0})
	causal.AddCommit(c2, []model.CommitID{c0})
	causal.AddCommit(m, []model.CommitID{c1, c2})

	hist, err := History(causal, m)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	require.True(t, hist[len(hist)-1].Equals(m), "merge commit must be last")
	require.True(t, hist[0].Equals(c0), "common ancestor must be first")

	// c0 must never appear more than once, regardless of how many
	// children reach it.
	var count int
	for _, id := range hist {
		if id.Equals(c0) {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestHistoryDeterministicAcrossRuns(t *testing.T) {
	c0 := mustCID(t, "c0")
	c1 := mustCID(t, "c1")
	c2 := mustCID(t, "c2")
	m := mustCID(t, "m")

	causal := model.NewCausalOrder()
	causal.AddCommit(c0, nil)
	causal.AddCommit(c1, []model.CommitID{c0})
	causal.AddCommit(c2, []model.CommitID{c0})
	causal.AddCommit(m, []model.CommitID{c1, c2})

	h1, err := History(causal, m)
	require.NoError(t, err)
	h2, err := History(causal, m)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
