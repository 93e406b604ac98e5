package stage

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"stage/backend/config"
	"stage/backend/evalfn"
	"stage/backend/metaalgebra"
	"stage/backend/model"
	"stage/backend/store"
	"stage/backend/transport"
)

func newStage(t *testing.T, user string) (*Stage, transport.Endpoint) {
	t.Helper()
	pipe := transport.NewPipe(8)

	cfg := config.Stage{}.Default()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.SubscribePollInterval = 5 * time.Millisecond

	s := CreateStage(user, peer.ID(user+"-peer"), pipe.A, store.New(), evalfn.Default(), evalfn.Identity("default"), cfg, zap.NewNop())
	return s, pipe.B
}

// echoPeer plays the role of a cooperative remote: it answers every
// handshake/ack topic but never itself publishes metadata, so tests stay in
// control of exactly what the local stage observes.
func echoPeer(ctx context.Context, ep transport.Endpoint) {
	go func() {
		for {
			msg, err := ep.Recv(ctx)
			if err != nil {
				return
			}
			switch msg.Topic {
			case transport.TopicMetaPub:
				_ = ep.Send(ctx, transport.Message{Topic: transport.TopicMetaPubed, Peer: msg.Peer})
			case transport.TopicConnect:
				_ = ep.Send(ctx, transport.Message{Topic: transport.TopicConnected, URL: msg.URL, Peer: msg.Peer})
			case transport.TopicMetaSub:
				_ = ep.Send(ctx, transport.Message{Topic: transport.TopicMetaSubed, Peer: msg.Peer})
			}
		}
	}()
}

func TestCreateRepoTransactCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repoID, err := s.CreateRepo(ctx, []byte(`{"init":43}`), "master")
	require.NoError(t, err)

	snap := s.Snapshot()
	require.JSONEq(t, `{"init":43}`, string(snap["alice"][repoID]["master"].Value))

	bv, err := s.Transact(ctx, repoID, "master", "merge", []byte(`{"b":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"init":43,"b":2}`, string(bv.Value))

	entry, ok := s.State.Get("alice", repoID)
	require.True(t, ok)
	require.Len(t, entry.Transactions["master"], 1, "transact without commit must leave the transaction staged")
	require.Len(t, entry.Meta.Heads("master"), 1, "transact without commit must not move the branch head")

	committed, err := s.Commit(ctx, repoID, "master")
	require.NoError(t, err)
	require.JSONEq(t, `{"init":43,"b":2}`, string(committed.Value))

	entry, ok = s.State.Get("alice", repoID)
	require.True(t, ok)
	require.Empty(t, entry.Transactions["master"], "commit must clear staged transactions")
}

func TestCommitWithNothingStagedFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repoID, err := s.CreateRepo(ctx, []byte(`{}`), "master")
	require.NoError(t, err)

	_, err = s.Commit(ctx, repoID, "master")
	require.Error(t, err)
}

func TestIncomingHistoryAbortsStagedTransactions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repoID, err := s.CreateRepo(ctx, []byte(`{"n":0}`), "master")
	require.NoError(t, err)

	_, err = s.Transact(ctx, repoID, "master", "merge", []byte(`{"staged":true}`))
	require.NoError(t, err)

	entry, ok := s.State.Get("alice", repoID)
	require.True(t, ok)

	remoteParamID, err := s.Store.Assoc(ctx, []byte(`{"remote":true}`))
	require.NoError(t, err)
	remoteTx := model.TransactionRef{ParamID: remoteParamID, TransFnID: model.TransFnID("merge")}

	remoteMeta, remoteCommit, err := metaalgebra.Commit(entry.Meta, "master", []model.TransactionRef{remoteTx})
	require.NoError(t, err)
	require.NoError(t, s.Store.PutCommit(ctx, remoteCommit))

	s.Loop.HandleMetaPub(ctx, map[string]map[string]model.RepoMeta{"alice": {repoID: remoteMeta}})

	bv := s.Snapshot()["alice"][repoID]["master"]
	require.NotNil(t, bv.Abort, "a concurrent remote commit must abort the locally staged transaction")
	require.Len(t, bv.Abort.Aborted, 1)
	require.JSONEq(t, `{"n":0,"remote":true}`, string(bv.Abort.NewValue))
}

func TestForkThenDivergeSummarizesConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	rootMeta, root, err := metaalgebra.NewRepository(ctx, s.Store, []byte(`{"v":0}`), "master")
	require.NoError(t, err)
	require.NoError(t, s.Store.PutCommit(ctx, root))
	require.NoError(t, s.State.InstallRepo("bob", rootMeta.ID, NewRepoEntry(rootMeta), []string{"master"}))

	repoID, err := s.Fork(ctx, "bob", rootMeta.ID)
	require.NoError(t, err)
	require.Equal(t, rootMeta.ID, repoID)

	bobEntry, ok := s.State.Get("bob", repoID)
	require.True(t, ok)
	bobParamID, err := s.Store.Assoc(ctx, []byte(`{"from":"bob"}`))
	require.NoError(t, err)
	bobMeta, bobCommit, err := metaalgebra.Commit(bobEntry.Meta, "master", []model.TransactionRef{{ParamID: bobParamID, TransFnID: model.TransFnID("merge")}})
	require.NoError(t, err)
	require.NoError(t, s.Store.PutCommit(ctx, bobCommit))

	aliceEntry, ok := s.State.Get("alice", repoID)
	require.True(t, ok)
	aliceParamID, err := s.Store.Assoc(ctx, []byte(`{"from":"alice"}`))
	require.NoError(t, err)
	aliceMeta, aliceCommit, err := metaalgebra.Commit(aliceEntry.Meta, "master", []model.TransactionRef{{ParamID: aliceParamID, TransFnID: model.TransFnID("merge")}})
	require.NoError(t, err)
	require.NoError(t, s.Store.PutCommit(ctx, aliceCommit))

	merged := metaalgebra.Update(aliceMeta, bobMeta)
	require.True(t, merged.MultipleHeads("master"))

	s.Loop.HandleMetaPub(ctx, map[string]map[string]model.RepoMeta{"alice": {repoID: merged}})

	bv := s.Snapshot()["alice"][repoID]["master"]
	require.NotNil(t, bv.Conflict)
	require.JSONEq(t, `{"v":0}`, string(bv.Conflict.LCAValue))
	require.Len(t, bv.Conflict.CommitsA, 1)
	require.Len(t, bv.Conflict.CommitsB, 1)
}

func TestSyncKeepsWaitingPastAckTimeout(t *testing.T) {
	s, _ := newStage(t, "alice")
	s.Driver.AckTimeout = 5 * time.Millisecond

	entry := NewRepoEntry(model.NewRepoMeta("repo1"))
	entry.Op = OpMetaPub
	s.State.Set("alice", "repo1", entry)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := s.Driver.Sync(ctx, Metas{"alice": {"repo1": {"master"}}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkMetaSubTagsUntaggedRepoAndIncludesItInMetaPubs(t *testing.T) {
	s, _ := newStage(t, "alice")

	entry := NewRepoEntry(model.NewRepoMeta("repo1"))
	s.State.Set("alice", "repo1", entry)

	metas := Metas{"alice": {"repo1": {"master"}}}
	s.State.MarkMetaSub(metas)

	got, ok := s.State.Get("alice", "repo1")
	require.True(t, ok)
	require.Equal(t, OpMetaSub, got.Op, "an untagged repo named in an inbound meta-pub-req must become meta-sub")

	metaPubs := collectMetaPubs(s.State.Snapshot(), metas)
	require.Contains(t, metaPubs["alice"], "repo1", "a meta-sub-tagged repo must still be projected into sync!'s meta-pubs")
}

func TestMarkMetaSubNeverDowngradesAPendingMetaPub(t *testing.T) {
	s, _ := newStage(t, "alice")

	entry := NewRepoEntry(model.NewRepoMeta("repo1"))
	entry.Op = OpMetaPub
	s.State.Set("alice", "repo1", entry)

	s.State.MarkMetaSub(Metas{"alice": {"repo1": {"master"}}})

	got, ok := s.State.Get("alice", "repo1")
	require.True(t, ok)
	require.Equal(t, OpMetaPub, got.Op, "a repo with a real pending local mutation must keep its meta-pub tag")
}

func TestTransactValueRoundTripsThroughStructpb(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repoID, err := s.CreateRepo(ctx, []byte(`{}`), "master")
	require.NoError(t, err)

	params, err := structpb.NewValue(map[string]any{"b": 2.0})
	require.NoError(t, err)

	bv, err := s.TransactValue(ctx, repoID, "master", "merge", params)
	require.NoError(t, err)

	sv, err := bv.Struct()
	require.NoError(t, err)
	require.Equal(t, 2.0, sv.GetStructValue().Fields["b"].GetNumberValue())
}

func TestSyncAllPublishesEveryPendingRepoConcurrently(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repo1, err := s.CreateRepo(ctx, []byte(`{}`), "master")
	require.NoError(t, err)
	repo2, err := s.CreateRepo(ctx, []byte(`{}`), "master")
	require.NoError(t, err)

	_, err = s.Commit(ctx, repo1, "master")
	require.Error(t, err, "nothing staged, sanity check only")

	// Both repos were already published by CreateRepo, so SyncAll has
	// nothing pending; tag both repos as pending meta-pub directly so
	// SyncAll has real work to do.
	entry, ok := s.State.Get("alice", repo1)
	require.True(t, ok)
	entry = entry.clone()
	entry.Op = OpMetaPub
	s.State.Set("alice", repo1, entry)

	entry2, ok := s.State.Get("alice", repo2)
	require.True(t, ok)
	entry2 = entry2.clone()
	entry2.Op = OpMetaPub
	s.State.Set("alice", repo2, entry2)

	require.NoError(t, s.SyncAll(ctx))

	entry, ok = s.State.Get("alice", repo1)
	require.True(t, ok)
	require.Equal(t, OpNone, entry.Op, "SyncAll must clear the op once published")

	entry2, ok = s.State.Get("alice", repo2)
	require.True(t, ok)
	require.Equal(t, OpNone, entry2.Op)
}

func TestForkRejectsAlreadyHeldRepo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, other := newStage(t, "alice")
	echoPeer(ctx, other)
	go s.Run(ctx)

	repoID, err := s.CreateRepo(ctx, []byte(`{}`), "master")
	require.NoError(t, err)
	require.NoError(t, s.State.InstallRepo("bob", repoID, NewRepoEntry(model.NewRepoMeta(repoID)), []string{"master"}))

	_, err = s.Fork(ctx, "bob", repoID)
	require.Error(t, err)

	var impossible *ForkingImpossibleError
	require.ErrorAs(t, err, &impossible)
}
