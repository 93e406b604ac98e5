// Package conflict summarizes a branch in conflict: it finds the lowest
// common ancestor of the branch's two heads and packages the history each
// head accrued since diverging, so an application can present the conflict
// without the engine taking a position on how to resolve it.
package conflict

import (
	"context"
	"fmt"

	"stage/backend/dag"
	"stage/backend/materializer"
	"stage/backend/metaalgebra"
	"stage/backend/model"
)

// MissingConflictForSummaryError is returned when Summarize is called on a
// branch that is not actually in conflict.
type MissingConflictForSummaryError struct {
	RepoID string
	Branch string
}

func (e *MissingConflictForSummaryError) Error() string {
	return fmt.Sprintf("conflict: repo %q branch %q is not in conflict", e.RepoID, e.Branch)
}

// NonSingularLCAError is returned when the two heads' lowest-common-ancestor
// cut is not a single commit. Callers that want to proceed anyway, picking
// one cut member by commit-id byte order instead of erroring, should pass
// allowNonSingular=true to Summarize.
type NonSingularLCAError struct {
	Cut []model.CommitID
}

func (e *NonSingularLCAError) Error() string {
	return fmt.Sprintf("conflict: lowest common ancestor cut has %d members, expected exactly 1", len(e.Cut))
}

// Conflict packages the divergent history of a two-headed branch: the value
// at the point the two heads last agreed, and each side's commits since.
type Conflict struct {
	LCAValue []byte
	CommitsA []dag.CommitRecord
	CommitsB []dag.CommitRecord
}

// Summarizer computes Conflict values for branches with exactly two heads.
type Summarizer struct {
	Loader       dag.Loader
	Materializer *materializer.Materializer
}

// New builds a Summarizer sharing a materializer's store and cache.
func New(loader dag.Loader, m *materializer.Materializer) *Summarizer {
	return &Summarizer{Loader: loader, Materializer: m}
}

// Summarize produces a Conflict for branch. meta.Branches[branch] must have
// exactly two heads; a non-singleton lowest-common-ancestor cut is rejected
// with NonSingularLCAError unless allowNonSingular is set, in which case the
// first cut member (by commit-id byte order) is used.
func (s *Summarizer) Summarize(ctx context.Context, meta model.RepoMeta, branch string, allowNonSingular bool) (Conflict, error) {
	heads := meta.SortedHeads(branch)
	if len(heads) != 2 {
		return Conflict{}, &MissingConflictForSummaryError{RepoID: meta.ID, Branch: branch}
	}
	a, b := heads[0], heads[1]

	lca := metaalgebra.LowestCommonAncestors(meta.Causal, []model.CommitID{a}, []model.CommitID{b})
	if len(lca.Cut) != 1 {
		if !allowNonSingular || len(lca.Cut) == 0 {
			return Conflict{}, &NonSingularLCAError{Cut: lca.Cut}
		}
		lca.Cut = lca.Cut[:1]
	}

	common := metaalgebra.IsolateBranch(meta.Causal, lca.Cut)
	offset := common.Len()

	histA, err := dag.HistoryValues(ctx, meta.Causal, s.Loader, a)
	if err != nil {
		return Conflict{}, err
	}
	histB, err := dag.HistoryValues(ctx, meta.Causal, s.Loader, b)
	if err != nil {
		return Conflict{}, err
	}
	if offset == 0 || offset > len(histA) || offset > len(histB) {
		return Conflict{}, fmt.Errorf("conflict: lowest common ancestor cut does not fall within either side's history")
	}

	lcaValue, err := s.Materializer.CommitValue(ctx, meta.Causal, meta.ID, histA[offset-1].ID)
	if err != nil {
		return Conflict{}, err
	}

	return Conflict{
		LCAValue: lcaValue,
		CommitsA: histA[offset:],
		CommitsB: histB[offset:],
	}, nil
}
