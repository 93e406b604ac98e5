// Package metaalgebra implements the repository-metadata algebra the
// staging engine treats as an external collaborator: constructing new
// repositories, committing and merging onto a branch, and reconciling two
// independently-evolved causal orders via their lowest common ancestors.
// None of it touches staged transactions or materialized values; it only
// ever builds and merges model.RepoMeta snapshots.
package metaalgebra

import (
	"context"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"

	"stage/backend/model"
	"stage/backend/util/colx"
)

// BlobPutter is the minimal store capability new repository creation needs:
// storing the initial value as a content-addressed blob.
type BlobPutter interface {
	Assoc(ctx context.Context, data []byte) (model.BlobID, error)
}

// NewRepository creates a fresh repository with a single root commit
// carrying initVal as its only transaction, addressed under the well-known
// init marker so the value materializer substitutes it outright for the
// usual empty root value.
func NewRepository(ctx context.Context, blobs BlobPutter, initVal []byte, branch string) (model.RepoMeta, model.EncodedCommit, error) {
	paramID, err := blobs.Assoc(ctx, initVal)
	if err != nil {
		return model.RepoMeta{}, model.EncodedCommit{}, fmt.Errorf("metaalgebra: failed to store initial value: %w", err)
	}

	root, err := model.NewCommit([]model.TransactionRef{{
		ParamID:   paramID,
		TransFnID: model.InitTransMarker,
	}}, nil)
	if err != nil {
		return model.RepoMeta{}, model.EncodedCommit{}, err
	}

	meta := model.NewRepoMeta(ulid.Make().String())
	meta.Causal.AddCommit(root.CID, nil)
	meta.Branches[branch] = []model.CommitID{root.CID}

	return meta, root, nil
}

// Fork takes a snapshot of an existing repository's metadata into a new,
// independently-evolving copy that keeps the same repository id: the two
// stages now share history up to the fork point but are free to diverge.
func Fork(meta model.RepoMeta) model.RepoMeta {
	return meta.Clone()
}

// Commit appends a new commit onto branch's current heads, consuming the
// staged transactions txs. The branch must have exactly one head; multi-head
// branches must go through Merge first.
func Commit(meta model.RepoMeta, branch string, txs []model.TransactionRef) (model.RepoMeta, model.EncodedCommit, error) {
	heads := meta.Heads(branch)
	if len(heads) == 0 {
		return model.RepoMeta{}, model.EncodedCommit{}, fmt.Errorf("metaalgebra: branch %q has no heads to commit onto", branch)
	}
	if len(heads) > 1 {
		return model.RepoMeta{}, model.EncodedCommit{}, fmt.Errorf("metaalgebra: branch %q has multiple heads, merge before committing", branch)
	}

	c, err := model.NewCommit(txs, heads)
	if err != nil {
		return model.RepoMeta{}, model.EncodedCommit{}, err
	}

	out := meta.Clone()
	out.Causal.AddCommit(c.CID, heads)
	out.Branches[branch] = []model.CommitID{c.CID}

	return out, c, nil
}

// Merge folds branch's current heads into a single merge commit. headsOrder
// controls contribution order and must be a permutation of meta.Heads(branch);
// a nil headsOrder falls back to the branch's own stored order. A commit with
// a different headsOrder over the same heads is a different, differently
// hashed commit, since parent order is part of a commit's identity.
func Merge(meta model.RepoMeta, branch string, headsOrder []model.CommitID) (model.RepoMeta, model.EncodedCommit, error) {
	heads := meta.Heads(branch)
	if len(heads) < 2 {
		return model.RepoMeta{}, model.EncodedCommit{}, fmt.Errorf("metaalgebra: branch %q does not have multiple heads to merge", branch)
	}

	parents := heads
	if headsOrder != nil {
		if !sameCommitSet(heads, headsOrder) {
			return model.RepoMeta{}, model.EncodedCommit{}, fmt.Errorf("metaalgebra: headsOrder is not a permutation of branch %q's heads", branch)
		}
		parents = headsOrder
	}

	c, err := model.NewCommit(nil, parents)
	if err != nil {
		return model.RepoMeta{}, model.EncodedCommit{}, err
	}

	out := meta.Clone()
	out.Causal.AddCommit(c.CID, parents)
	out.Branches[branch] = []model.CommitID{c.CID}

	return out, c, nil
}

func sameCommitSet(a, b []model.CommitID) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := model.SortCommitIDs(slices.Clone(a)), model.SortCommitIDs(slices.Clone(b))
	return slices.EqualFunc(as, bs, func(x, y model.CommitID) bool { return x.Equals(y) })
}

// MultipleBranchHeads reports whether branch is currently in conflict.
func MultipleBranchHeads(meta model.RepoMeta, branch string) bool {
	return meta.MultipleHeads(branch)
}

// Update merges two independently-evolved metadata snapshots of the same
// repository into one, CRDT-style: causal orders simply union (every
// commit-id is content-addressed, so the same id always carries the same
// parents in both operands), and branch heads union then prune to the
// frontier, dropping any head that is now an ancestor of another.
func Update(oldMeta, newMeta model.RepoMeta) model.RepoMeta {
	out := model.RepoMeta{
		ID:       oldMeta.ID,
		Causal:   oldMeta.Causal.Union(newMeta.Causal),
		Branches: make(map[string][]model.CommitID),
	}

	for _, b := range unionBranchNames(oldMeta, newMeta) {
		merged := unionHeads(oldMeta.Heads(b), newMeta.Heads(b))
		out.Branches[b] = pruneAncestorHeads(out.Causal, merged)
	}

	return out
}

func unionBranchNames(a, b model.RepoMeta) []string {
	var seen colx.HashSet[string]
	var names []string
	for _, m := range []model.RepoMeta{a, b} {
		for _, n := range m.BranchNames() {
			if !seen.Has(n) {
				seen.Put(n)
				names = append(names, n)
			}
		}
	}
	slices.Sort(names)
	return names
}

func unionHeads(a, b []model.CommitID) []model.CommitID {
	return model.DedupSortCommitIDs(append(slices.Clone(a), b...))
}

// pruneAncestorHeads drops any head that is a strict ancestor of another
// head in the same set, keeping only the frontier.
func pruneAncestorHeads(causal model.CausalOrder, heads []model.CommitID) []model.CommitID {
	if len(heads) <= 1 {
		return heads
	}

	out := make([]model.CommitID, 0, len(heads))
	for i, h := range heads {
		ancestorOfOther := false
		for j, other := range heads {
			if i == j {
				continue
			}
			if isAncestor(causal, h, other) {
				ancestorOfOther = true
				break
			}
		}
		if !ancestorOfOther {
			out = append(out, h)
		}
	}
	return out
}

// isAncestor reports whether candidate is a strict ancestor of descendant in causal.
func isAncestor(causal model.CausalOrder, candidate, descendant model.CommitID) bool {
	if candidate.Equals(descendant) {
		return false
	}

	var visited colx.HashSet[string]
	queue := []model.CommitID{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range causal.Parents(cur) {
			if p.Equals(candidate) {
				return true
			}
			if visited.Has(p.KeyString()) {
				continue
			}
			visited.Put(p.KeyString())
			queue = append(queue, p)
		}
	}
	return false
}

// LCAResult is the frontier of commits common to two diverging histories,
// plus the history unique to each side above that frontier.
type LCAResult struct {
	Cut          []model.CommitID
	ReturnPathsA []model.CommitID
	ReturnPathsB []model.CommitID
}

// LowestCommonAncestors computes the LCA cut between two heads sets drawn
// from the same causal order (both are views of the same repository's
// history, e.g. the two sides of a conflicted branch).
func LowestCommonAncestors(causal model.CausalOrder, headsA, headsB []model.CommitID) LCAResult {
	ancestorsA := ancestorsOf(causal, headsA)
	ancestorsB := ancestorsOf(causal, headsB)

	common := make(map[string]model.CommitID)
	for k, id := range ancestorsA {
		if _, ok := ancestorsB[k]; ok {
			common[k] = id
		}
	}

	var commonIDs []model.CommitID
	for _, id := range common {
		commonIDs = append(commonIDs, id)
	}
	commonIDs = model.SortCommitIDs(commonIDs)

	cut := pruneAncestorHeads(causal, commonIDs)

	return LCAResult{
		Cut:          cut,
		ReturnPathsA: model.SortCommitIDs(diffKeys(ancestorsA, common)),
		ReturnPathsB: model.SortCommitIDs(diffKeys(ancestorsB, common)),
	}
}

// ancestorsOf returns every commit reachable from heads, heads included.
func ancestorsOf(causal model.CausalOrder, heads []model.CommitID) map[string]model.CommitID {
	out := make(map[string]model.CommitID)
	queue := slices.Clone(heads)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := out[cur.KeyString()]; ok {
			continue
		}
		out[cur.KeyString()] = cur
		queue = append(queue, causal.Parents(cur)...)
	}
	return out
}

func diffKeys(set, exclude map[string]model.CommitID) []model.CommitID {
	var out []model.CommitID
	for k, id := range set {
		if _, ok := exclude[k]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// IsolateBranch returns the sub-causal-order containing cut and all of its
// ancestors.
func IsolateBranch(causal model.CausalOrder, cut []model.CommitID) model.CausalOrder {
	out := model.NewCausalOrder()
	queue := slices.Clone(cut)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if out.Has(cur) {
			continue
		}
		parents := causal.Parents(cur)
		out.AddCommit(cur, parents)
		queue = append(queue, parents...)
	}
	return out
}
