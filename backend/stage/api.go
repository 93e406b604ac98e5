package stage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stage/backend/cache"
	"stage/backend/conflict"
	"stage/backend/config"
	"stage/backend/evalfn"
	"stage/backend/materializer"
	"stage/backend/metaalgebra"
	"stage/backend/model"
	"stage/backend/store"
	"stage/backend/transport"
	"stage/backend/util/cleanup"
)

// Stage is the PublicAPI: the single entry point an application holds to
// create and manipulate repositories, bound to one local user and one peer
// connection. Run must be driven by the caller (typically in its own
// goroutine) to service inbound meta-pub, fetch and connection-handshake
// traffic; every other method is safe to call concurrently with Run and with
// itself.
type Stage struct {
	User     string
	PeerID   peer.ID
	Endpoint transport.Endpoint
	Store    store.Store
	Eval     evalfn.Evaluator
	Config   config.Stage
	Log      *zap.Logger

	State        *State
	Val          *ValAtom
	Loop         *Loop
	Driver       *Driver
	Materializer *materializer.Materializer
	Conflict     *conflict.Summarizer

	connectedCh chan struct{}
	metaSubedCh chan struct{}

	closers cleanup.Stack

	rngMu sync.Mutex
	rng   *rand.Rand
}

// CreateStage wires together a fresh stage for user over ep, storing blobs in
// st and resolving transaction functions through eval. A nil log is replaced
// with zap.NewNop().
func CreateStage(user string, peerID peer.ID, ep transport.Endpoint, st store.Store, eval evalfn.Evaluator, evalID string, cfg config.Stage, log *zap.Logger) *Stage {
	if log == nil {
		log = zap.NewNop()
	}

	state := NewState()
	val := NewValAtom()
	c := cache.New(cfg.HistoryCacheSize)
	m := materializer.New(st, eval, evalID, c)
	summarizer := conflict.New(st, m)
	loop := NewLoop(state, val, m, summarizer, peerID.String())
	driver := NewDriver(ep, state, peerID, cfg.AckTimeout, log)

	stage := &Stage{
		User:         user,
		PeerID:       peerID,
		Endpoint:     ep,
		Store:        st,
		Eval:         eval,
		Config:       cfg,
		Log:          log,
		State:        state,
		Val:          val,
		Loop:         loop,
		Driver:       driver,
		Materializer: m,
		Conflict:     summarizer,
		connectedCh:  make(chan struct{}, 1),
		metaSubedCh:  make(chan struct{}, 1),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	stage.closers.Add(ep)
	return stage
}

// Close shuts down everything CreateStage registered, in LIFO order. Safe to
// call once the Run loop's context has been canceled.
func (s *Stage) Close() error {
	return s.closers.Close()
}

// Snapshot returns the current observable stage value.
func (s *Stage) Snapshot() Snapshot {
	return s.Val.Load()
}

// Values returns the sliding-buffer-1 channel of stage values.
func (s *Stage) Values() <-chan Snapshot {
	return s.Val.C()
}

// Run drains the endpoint until ctx is done or the endpoint closes,
// dispatching every inbound topic to the right collaborator. It is the only
// reader of the endpoint, so sync!'s own ack/fetch handling happens here
// too, through Driver's non-Recv-owning methods.
func (s *Stage) Run(ctx context.Context) error {
	for {
		msg, err := s.Endpoint.Recv(ctx)
		if err != nil {
			return err
		}

		switch msg.Topic {
		case transport.TopicMetaPub:
			if msg.HostTagged {
				continue
			}
			s.Loop.HandleMetaPub(ctx, msg.RepoMetas)
			if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicMetaPubed, Peer: msg.Peer}); err != nil {
				return err
			}

		case transport.TopicMetaPubed:
			s.Driver.NotifyAck()

		case transport.TopicFetch:
			if err := s.Driver.HandleFetch(ctx, msg.IDs); err != nil {
				return err
			}

		case transport.TopicBinaryFetch:
			if err := s.Driver.HandleBinaryFetch(ctx, msg.IDs); err != nil {
				return err
			}

		case transport.TopicConnect:
			if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicConnected, URL: msg.URL, Peer: msg.Peer}); err != nil {
				return err
			}

		case transport.TopicConnected:
			notify(s.connectedCh)

		case transport.TopicMetaSub:
			if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicMetaSubed, Peer: msg.Peer}); err != nil {
				return err
			}

		case transport.TopicMetaSubed:
			notify(s.metaSubedCh)

		case transport.TopicMetaPubReq:
			go s.servePubReq(ctx, msg)
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Stage) servePubReq(ctx context.Context, msg transport.Message) {
	metas := Metas{}
	for user, repos := range msg.Metas {
		if user != s.User {
			continue
		}
		metas[user] = repos
	}
	if len(metas) == 0 {
		return
	}
	s.State.MarkMetaSub(metas)
	if err := s.Driver.Sync(ctx, metas); err != nil {
		s.Log.Warn("sync in response to meta-pub-req failed", zap.String("user", s.User), zap.Stringer("peer", msg.Peer), zap.Error(err))
	}
}

// Connect sends :connect and waits for the matching :connected reply.
func (s *Stage) Connect(ctx context.Context, url string) error {
	if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicConnect, URL: url, Peer: s.PeerID}); err != nil {
		return err
	}
	select {
	case <-s.connectedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeRepos replaces the subscription filter outright, then drives the
// meta-sub/meta-subed/meta-pub-req handshake and polls the stage until every
// subscribed (user, repo, branch) has appeared.
func (s *Stage) SubscribeRepos(ctx context.Context, subs Metas) error {
	s.State.SetSubs(s.User, subs[s.User])

	if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicMetaSub, Metas: transport.Metas(subs), Peer: s.PeerID}); err != nil {
		return err
	}
	select {
	case <-s.metaSubedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicMetaPubReq, Metas: transport.Metas(subs), Peer: s.PeerID}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.Config.SubscribePollInterval)
	defer ticker.Stop()

	for {
		if s.subscriptionsSatisfied(subs) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stage) subscriptionsSatisfied(subs Metas) bool {
	for user, repos := range subs {
		for repoID, branches := range repos {
			entry, ok := s.State.Get(user, repoID)
			if !ok {
				return false
			}
			for _, b := range branches {
				if _, ok := entry.Meta.Branches[b]; !ok {
					return false
				}
			}
		}
	}
	return true
}

// RemoveRepos drops the listed (user, repo-id) pairs and re-subscribes with
// the narrowed filter, so the peer stops being asked about them.
func (s *Stage) RemoveRepos(ctx context.Context, repos [][2]string) error {
	s.State.Remove(repos)
	remaining := s.State.Subs()[s.User]
	return s.SubscribeRepos(ctx, Metas{s.User: remaining})
}

// CreateRepo builds a fresh repository with initVal as the value of its sole
// branch's root commit, installs it locally and publishes it.
func (s *Stage) CreateRepo(ctx context.Context, initVal []byte, branch string) (string, error) {
	meta, root, err := metaalgebra.NewRepository(ctx, s.Store, initVal, branch)
	if err != nil {
		return "", err
	}
	if err := s.Store.PutCommit(ctx, root); err != nil {
		return "", err
	}

	entry := NewRepoEntry(meta)
	entry.Op = OpMetaPub
	entry.NewValues[branch] = map[string][]byte{
		root.CID.KeyString(): root.Data,
		root.Decoded.Transactions[0].ParamID.KeyString(): initVal,
	}
	if err := s.State.InstallRepo(s.User, meta.ID, entry, []string{branch}); err != nil {
		return "", err
	}

	if err := s.Driver.Sync(ctx, Metas{s.User: {meta.ID: {branch}}}); err != nil {
		s.Log.Warn("sync after create_repo failed", zap.String("user", s.User), zap.String("repo", meta.ID), zap.String("branch", branch), zap.Error(err))
	}

	bv, err := s.computeBranchValue(ctx, meta.ID, meta, branch, nil)
	if err != nil {
		return "", err
	}
	s.setVal(s.User, meta.ID, branch, bv)

	return meta.ID, nil
}

// Fork copies sourceUser's repo metadata at repoID into a new, independently
// evolving entry under s.User, keeping the same repo-id. It fails with
// ForkingImpossibleError if s.User already holds that repo.
func (s *Stage) Fork(ctx context.Context, sourceUser, repoID string) (string, error) {
	source, ok := s.State.Get(sourceUser, repoID)
	if !ok {
		return "", fmt.Errorf("stage: user %q has no repo %q to fork", sourceUser, repoID)
	}
	if _, exists := s.State.Get(s.User, repoID); exists {
		return "", &ForkingImpossibleError{User: s.User, RepoID: repoID}
	}

	forked := metaalgebra.Fork(source.Meta)
	branches := forked.BranchNames()

	forkedEntry := NewRepoEntry(forked)
	forkedEntry.Op = OpMetaPub
	if err := s.State.InstallRepo(s.User, repoID, forkedEntry, branches); err != nil {
		return "", err
	}

	if err := s.Driver.Sync(ctx, Metas{s.User: {repoID: branches}}); err != nil {
		s.Log.Warn("sync after fork failed", zap.String("user", s.User), zap.String("repo", repoID), zap.Error(err))
	}

	for _, b := range branches {
		bv, err := s.computeBranchValue(ctx, repoID, forked, b, nil)
		if err != nil {
			return "", err
		}
		s.setVal(s.User, repoID, b, bv)
	}

	return repoID, nil
}

// Transact stages a single symbolic-function transaction on branch and
// returns the recomputed (not yet committed) branch value.
func (s *Stage) Transact(ctx context.Context, repoID, branch, fnName string, params []byte) (BranchValue, error) {
	paramID, err := s.Store.Assoc(ctx, params)
	if err != nil {
		return BranchValue{}, err
	}
	tx := model.TransactionRef{ParamID: paramID, TransFnID: model.TransFnID(fnName)}
	return s.appendAndRecompute(ctx, repoID, branch, tx)
}

// TransactBinary stages blob directly as the branch's new value, bypassing
// the evaluator.
func (s *Stage) TransactBinary(ctx context.Context, repoID, branch string, blob []byte) (BranchValue, error) {
	blobID, err := s.Store.Assoc(ctx, blob)
	if err != nil {
		return BranchValue{}, err
	}
	tx := model.TransactionRef{ParamID: blobID, TransFnID: model.BlobStoreTransMarker}
	return s.appendAndRecompute(ctx, repoID, branch, tx)
}

func (s *Stage) appendAndRecompute(ctx context.Context, repoID, branch string, tx model.TransactionRef) (BranchValue, error) {
	entry, err := s.State.AppendTransactions(s.User, repoID, branch, []model.TransactionRef{tx})
	if err != nil {
		return BranchValue{}, err
	}

	bv, err := s.computeBranchValue(ctx, repoID, entry.Meta, branch, entry.Transactions[branch])
	if err != nil {
		return BranchValue{}, err
	}
	s.setVal(s.User, repoID, branch, bv)
	return bv, nil
}

// Commit folds branch's staged transactions into a new commit onto its
// single head and publishes it. It fails if nothing is staged, or if the
// branch currently has multiple heads (merge first).
func (s *Stage) Commit(ctx context.Context, repoID, branch string) (BranchValue, error) {
	entry, ok := s.State.Get(s.User, repoID)
	if !ok {
		return BranchValue{}, fmt.Errorf("stage: user %q has no repo %q installed", s.User, repoID)
	}
	txs := entry.Transactions[branch]
	if len(txs) == 0 {
		return BranchValue{}, fmt.Errorf("stage: branch %q of repo %q has nothing staged to commit", branch, repoID)
	}

	newMeta, commitObj, err := metaalgebra.Commit(entry.Meta, branch, txs)
	if err != nil {
		return BranchValue{}, err
	}
	if err := s.Store.PutCommit(ctx, commitObj); err != nil {
		return BranchValue{}, err
	}

	newValues := map[string][]byte{commitObj.CID.KeyString(): commitObj.Data}
	for _, tx := range txs {
		paramBytes, err := s.Store.GetRaw(ctx, tx.ParamID)
		if err != nil {
			return BranchValue{}, err
		}
		newValues[tx.ParamID.KeyString()] = paramBytes
	}

	updated := entry.clone()
	updated.Meta = newMeta
	updated.Op = OpMetaPub
	delete(updated.Transactions, branch)
	updated.NewValues[branch] = newValues
	s.State.Set(s.User, repoID, updated)

	if err := s.Driver.Sync(ctx, Metas{s.User: {repoID: {branch}}}); err != nil {
		s.Log.Warn("sync after commit failed", zap.String("user", s.User), zap.String("repo", repoID), zap.String("branch", branch), zap.Error(err))
	}

	bv, err := s.computeBranchValue(ctx, repoID, newMeta, branch, nil)
	if err != nil {
		return BranchValue{}, err
	}
	s.setVal(s.User, repoID, branch, bv)
	return bv, nil
}

// Merge folds branch's two heads into a single merge commit, in headsOrder
// if given. If wait is set, it first sleeps a randomized backoff scaled by
// how merge-heavy the repo's history already is, then rechecks: if a
// concurrent commit or merge has already resolved the conflict, Merge
// returns (false, nil) instead of creating a redundant merge commit.
func (s *Stage) Merge(ctx context.Context, repoID, branch string, headsOrder []model.CommitID, wait bool) (bool, error) {
	entry, ok := s.State.Get(s.User, repoID)
	if !ok {
		return false, fmt.Errorf("stage: user %q has no repo %q installed", s.User, repoID)
	}
	if !entry.Meta.MultipleHeads(branch) {
		return false, nil
	}

	if wait {
		ratio, err := mergeRatio(entry.Meta, branch)
		if err != nil {
			return false, err
		}
		cost := mergeCost(s.Config.MergeCostScale, ratio)
		if cost > 0 {
			backoff := time.Duration(s.randInt63n(cost)+1) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		entry, ok = s.State.Get(s.User, repoID)
		if !ok || !entry.Meta.MultipleHeads(branch) {
			return false, nil
		}
	}

	newMeta, commitObj, err := metaalgebra.Merge(entry.Meta, branch, headsOrder)
	if err != nil {
		return false, err
	}
	if err := s.Store.PutCommit(ctx, commitObj); err != nil {
		return false, err
	}

	updated := entry.clone()
	updated.Meta = newMeta
	updated.Op = OpMetaPub
	updated.NewValues[branch] = map[string][]byte{commitObj.CID.KeyString(): commitObj.Data}
	s.State.Set(s.User, repoID, updated)

	if err := s.Driver.Sync(ctx, Metas{s.User: {repoID: {branch}}}); err != nil {
		s.Log.Warn("sync after merge failed", zap.String("user", s.User), zap.String("repo", repoID), zap.String("branch", branch), zap.Error(err))
	}

	bv, err := s.computeBranchValue(ctx, repoID, newMeta, branch, nil)
	if err != nil {
		return false, err
	}
	s.setVal(s.User, repoID, branch, bv)
	return true, nil
}

// SyncAll publishes every locally-owned repo that currently has something to
// publish (Op == OpMetaPub), one concurrent Driver.Sync per repo, rather than
// one combined message for the whole user. A slow or unresponsive peer on
// one repo never blocks the others; every independent failure is collected
// rather than only the first, so a caller retrying after SyncAll knows the
// full set of repos that still need another attempt.
func (s *Stage) SyncAll(ctx context.Context) error {
	snapshot := s.State.Snapshot()

	var g errgroup.Group
	var mu sync.Mutex
	var errs error

	for repoID, entry := range snapshot[s.User] {
		if entry.Op != OpMetaPub {
			continue
		}
		repoID, entry := repoID, entry
		branches := entry.Meta.BranchNames()

		g.Go(func() error {
			if err := s.Driver.Sync(ctx, Metas{s.User: {repoID: branches}}); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("stage: sync_all: repo %q: %w", repoID, err))
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func (s *Stage) randInt63n(n int64) int64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int63n(n)
}

// mergeRatio is the fraction of the repo's known history that is itself
// merge commits, for mergeCost's backoff curve: a repo whose history is
// already heavy with merges is more likely to have other peers racing to
// resolve the same conflict, so it backs off longer.
func mergeRatio(meta model.RepoMeta, branch string) (float64, error) {
	if !meta.MultipleHeads(branch) {
		return 0, fmt.Errorf("stage: branch %q does not have multiple heads", branch)
	}

	total := meta.Causal.Len()
	if total == 0 {
		return 0, nil
	}

	ratio := float64(meta.Causal.MergeCount()) / float64(total)
	if ratio >= 1 {
		ratio = 0.999999
	}
	return ratio, nil
}

// mergeCost turns a merge ratio into a backoff budget in milliseconds: it
// grows without bound as the ratio approaches 1, so two peers racing to
// merge a branch in an already merge-heavy repo back off proportionally
// longer.
func mergeCost(scale, ratio float64) int64 {
	if ratio <= 0 {
		return 0
	}
	return int64(math.Floor(scale * -math.Log(1-ratio)))
}

// computeBranchValue recomputes branch's observable value. Store/materializer
// errors propagate to the caller unchanged; there is no value to fake up on
// the synchronous API path, unlike Loop.recompute's async stream which has no
// error channel to report through.
func (s *Stage) computeBranchValue(ctx context.Context, repoID string, meta model.RepoMeta, branch string, staged []model.TransactionRef) (BranchValue, error) {
	var bv BranchValue

	if meta.MultipleHeads(branch) {
		mConflictsTotal.Inc()
		c, err := s.Conflict.Summarize(ctx, meta, branch, false)
		if err != nil {
			return BranchValue{}, err
		}
		bv.Conflict = &c
		return bv, nil
	}

	val, err := s.Materializer.BranchValue(ctx, repoID, meta, branch, staged)
	if err != nil {
		return BranchValue{}, err
	}
	bv.Value = val
	return bv, nil
}

func (s *Stage) setVal(user, repoID, branch string, bv BranchValue) {
	old := s.Val.Load()
	next := old.clone()
	next.set(user, repoID, branch, bv)
	s.Val.Store(next)
}
