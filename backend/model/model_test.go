package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCID(t *testing.T, codec uint64, s string) CommitID {
	t.Helper()
	c, err := NewCID(codec, []byte(s))
	require.NoError(t, err)
	return c
}

func TestNewCommitParentOrderSignificant(t *testing.T) {
	a := mustCID(t, 0x71, "a")
	b := mustCID(t, 0x71, "b")

	c1, err := NewCommit(nil, []CommitID{b, a})
	require.NoError(t, err)

	c2, err := NewCommit(nil, []CommitID{a, b})
	require.NoError(t, err)

	require.False(t, c1.CID.Equals(c2.CID), "parent order is part of the commit's identity, like first-parent vs second-parent in any DAG VCS")

	c1Again, err := NewCommit(nil, []CommitID{b, a})
	require.NoError(t, err)
	require.True(t, c1.CID.Equals(c1Again.CID), "the same transactions and parent order must hash the same every time")
}

func TestCommitRoundtrip(t *testing.T) {
	p := mustCID(t, 0x71, "parent")
	tx := TransactionRef{ParamID: mustCID(t, 0x55, "params"), TransFnID: mustCID(t, 0x55, "fn")}

	enc, err := NewCommit([]TransactionRef{tx}, []CommitID{p})
	require.NoError(t, err)

	dec, err := DecodeCommit(enc.Data)
	require.NoError(t, err)

	require.Len(t, dec.Transactions, 1)
	require.True(t, dec.Transactions[0].ParamID.Equals(tx.ParamID))
	require.True(t, dec.Parents[0].Equals(p))
}

func TestCausalOrderUnion(t *testing.T) {
	a := mustCID(t, 0x71, "a")
	b := mustCID(t, 0x71, "b")

	co1 := NewCausalOrder()
	co1.AddCommit(a, nil)

	co2 := NewCausalOrder()
	co2.AddCommit(a, nil)
	co2.AddCommit(b, []CommitID{a})

	merged := co1.Union(co2)
	require.Equal(t, 2, merged.Len())
	require.True(t, merged.Has(b))
	require.Len(t, merged.Parents(b), 1)
}

func TestRepoMetaEqual(t *testing.T) {
	a := mustCID(t, 0x71, "a")

	m1 := NewRepoMeta("repo1")
	m1.Causal.AddCommit(a, nil)
	m1.Branches["master"] = []CommitID{a}

	m2 := m1.Clone()
	require.True(t, m1.Equal(m2))

	m2.Branches["master"] = append(m2.Branches["master"], mustCID(t, 0x71, "b"))
	require.False(t, m1.Equal(m2))
}

func TestMultipleHeads(t *testing.T) {
	a := mustCID(t, 0x71, "a")
	b := mustCID(t, 0x71, "b")

	m := NewRepoMeta("repo1")
	m.Branches["master"] = []CommitID{a}
	require.False(t, m.MultipleHeads("master"))

	m.Branches["master"] = []CommitID{a, b}
	require.True(t, m.MultipleHeads("master"))
}
