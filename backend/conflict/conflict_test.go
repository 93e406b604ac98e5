package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stage/backend/cache"
	"stage/backend/evalfn"
	"stage/backend/materializer"
	"stage/backend/metaalgebra"
	"stage/backend/model"
	"stage/backend/store"
)

func TestSummarizeForkThenDiverge(t *testing.T) {
	ctx := context.Background()
	st := store.New()

	meta, root, err := metaalgebra.NewRepository(ctx, st, []byte(`{"init":43}`), "master")
	require.NoError(t, err)
	require.NoError(t, st.PutCommit(ctx, root))

	// user A commits on master.
	paramA, err := st.Assoc(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	metaA, commitA, err := metaalgebra.Commit(meta, "master", []model.TransactionRef{
		{ParamID: paramA, TransFnID: model.TransFnID("merge")},
	})
	require.NoError(t, err)
	require.NoError(t, st.PutCommit(ctx, commitA))

	// user B, forked from the same root, commits independently on master.
	paramB, err := st.Assoc(ctx, []byte(`{"b":2}`))
	require.NoError(t, err)
	metaB, commitB, err := metaalgebra.Commit(meta, "master", []model.TransactionRef{
		{ParamID: paramB, TransFnID: model.TransFnID("merge")},
	})
	require.NoError(t, err)
	require.NoError(t, st.PutCommit(ctx, commitB))

	merged := metaalgebra.Update(metaA, metaB)
	require.True(t, merged.MultipleHeads("master"))

	m := materializer.New(st, evalfn.Default(), evalfn.Identity("default"), cache.New(0))
	summarizer := New(st, m)

	c, err := summarizer.Summarize(ctx, merged, "master", false)
	require.NoError(t, err)

	require.JSONEq(t, `{"init":43}`, string(c.LCAValue))
	require.Len(t, c.CommitsA, 1)
	require.Len(t, c.CommitsB, 1)

	var gotIDs []model.CommitID
	for _, r := range c.CommitsA {
		gotIDs = append(gotIDs, r.ID)
	}
	require.True(t, gotIDs[0].Equals(commitA.CID) || gotIDs[0].Equals(commitB.CID), "the divergent commit must be one of A's or B's own commit")
}

func TestSummarizeRejectsNonConflictingBranch(t *testing.T) {
	ctx := context.Background()
	st := store.New()

	meta, root, err := metaalgebra.NewRepository(ctx, st, []byte(`{}`), "master")
	require.NoError(t, err)
	require.NoError(t, st.PutCommit(ctx, root))

	m := materializer.New(st, evalfn.Default(), evalfn.Identity("default"), cache.New(0))
	summarizer := New(st, m)

	_, err = summarizer.Summarize(ctx, meta, "master", false)
	require.Error(t, err)

	var mc *MissingConflictForSummaryError
	require.ErrorAs(t, err, &mc)
}
