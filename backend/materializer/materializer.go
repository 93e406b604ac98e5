// Package materializer replays committed and staged transactions into
// concrete branch values. It is the only component that calls into the
// evaluator, and the only writer of the commit value cache.
package materializer

import (
	"context"
	"fmt"

	"stage/backend/cache"
	"stage/backend/dag"
	"stage/backend/evalfn"
	"stage/backend/model"
	"stage/backend/store"
)

// MultipleBranchHeadsError is returned by BranchValue when the branch is
// currently in conflict; the caller should route through a conflict
// summarizer instead.
type MultipleBranchHeadsError struct {
	RepoID string
	Branch string
}

func (e *MultipleBranchHeadsError) Error() string {
	return fmt.Sprintf("materializer: repo %q branch %q has multiple heads", e.RepoID, e.Branch)
}

// Materializer folds commit and staged transactions into values, memoizing
// per-commit results in a shared Cache.
type Materializer struct {
	Store  store.Store
	Eval   evalfn.Evaluator
	EvalID string
	Cache  *cache.Cache
}

// New builds a Materializer. evalID disambiguates cache entries across
// evaluators; it has no meaning beyond being a stable identity for Eval.
func New(st store.Store, eval evalfn.Evaluator, evalID string, c *cache.Cache) *Materializer {
	return &Materializer{Store: st, Eval: eval, EvalID: evalID, Cache: c}
}

// CommitValue returns the repository value at commit, folding every
// transaction from the root up to and including commit, along the
// linearization dag.History produces. Intermediate results are memoized per
// commit so that later calls sharing ancestors reuse this walk's work.
func (m *Materializer) CommitValue(ctx context.Context, causal model.CausalOrder, causalID string, commit model.CommitID) ([]byte, error) {
	if v, ok := m.Cache.Get(cache.Key{EvalID: m.EvalID, Causal: causalID, Commit: commit}); ok {
		return v.([]byte), nil
	}

	history, err := dag.History(causal, commit)
	if err != nil {
		return nil, err
	}

	var value []byte
	for _, id := range history {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := cache.Key{EvalID: m.EvalID, Causal: causalID, Commit: id}
		if cached, ok := m.Cache.Get(key); ok {
			value = cached.([]byte)
			continue
		}

		c, err := m.Store.GetCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("materializer: failed to load commit %s: %w", id, err)
		}

		for _, tx := range c.Transactions {
			value, err = m.transApply(ctx, value, tx)
			if err != nil {
				return nil, fmt.Errorf("materializer: failed to apply transaction in commit %s: %w", id, err)
			}
		}

		m.Cache.Put(key, value)
	}

	return value, nil
}

// BranchValue materializes branch's unique head and folds any staged
// (uncommitted) transactions on top. It fails with MultipleBranchHeadsError
// if the branch currently has more than one head.
func (m *Materializer) BranchValue(ctx context.Context, causalID string, meta model.RepoMeta, branch string, staged []model.TransactionRef) ([]byte, error) {
	heads := meta.Heads(branch)
	if len(heads) != 1 {
		return nil, &MultipleBranchHeadsError{RepoID: meta.ID, Branch: branch}
	}

	value, err := m.CommitValue(ctx, meta.Causal, causalID, heads[0])
	if err != nil {
		return nil, err
	}

	for _, tx := range staged {
		value, err = m.transApply(ctx, value, tx)
		if err != nil {
			return nil, fmt.Errorf("materializer: failed to apply staged transaction: %w", err)
		}
	}

	return value, nil
}

// transApply evaluates a single transaction against value. The two
// well-known markers bypass the evaluator entirely: blob-store-trans
// transactions carry the new value directly as their params, and the init
// marker substitutes its params for the root's otherwise-empty value.
func (m *Materializer) transApply(ctx context.Context, value []byte, tx model.TransactionRef) ([]byte, error) {
	if tx.TransFnID.Equals(model.BlobStoreTransMarker) || tx.TransFnID.Equals(model.InitTransMarker) {
		return m.Store.GetRaw(ctx, tx.ParamID)
	}

	name, err := model.TransFnName(tx.TransFnID)
	if err != nil {
		return nil, fmt.Errorf("materializer: unresolvable transaction function: %w", err)
	}

	fn, err := m.Eval.Resolve(name)
	if err != nil {
		return nil, err
	}

	params, err := m.Store.GetRaw(ctx, tx.ParamID)
	if err != nil {
		return nil, fmt.Errorf("materializer: failed to load transaction params: %w", err)
	}

	return fn(value, params)
}
