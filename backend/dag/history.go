// Package dag linearizes a commit causal order into a deterministic
// processing order. The conflict summarizer and value materializer build on
// top of it instead of re-implementing the traversal.
package dag

import (
	"context"
	"fmt"

	"github.com/gammazero/deque"

	"stage/backend/model"
)

// History returns a depth-first linearization of the commits reachable from
// head, such that every commit appears exactly once and after all of its
// not-yet-visited children. Children are visited in a commit's own recorded
// parent order, so the leftmost parent of every commit along the way
// determines the linearization.
func History(causal model.CausalOrder, head model.CommitID) ([]model.CommitID, error) {
	if !head.Defined() {
		return nil, fmt.Errorf("dag: undefined head")
	}

	var (
		stack   deque.Deque[model.CommitID]
		visited = make(map[string]struct{})
		out     = make([]model.CommitID, 0, causal.Len()+1)
	)

	stack.PushBack(head)

	for stack.Len() > 0 {
		f := stack.Back()

		var children []model.CommitID
		for _, p := range causal.Parents(f) {
			if _, seen := visited[p.KeyString()]; !seen {
				children = append(children, p)
			}
		}

		if len(children) > 0 {
			// Push children so the first one ends up on top: the leftmost
			// parent is processed (and thus appears in the output) first.
			for i := len(children) - 1; i >= 0; i-- {
				stack.PushBack(children[i])
			}
			continue
		}

		stack.PopBack()

		if _, seen := visited[f.KeyString()]; !seen {
			out = append(out, f)
			visited[f.KeyString()] = struct{}{}
		}
	}

	return out, nil
}

// CommitRecord pairs a commit-id from History with its decoded Commit
// object.
type CommitRecord struct {
	ID     model.CommitID
	Commit model.Commit
}

// Loader fetches and decodes a Commit object given its id. It is satisfied
// by store.Store.GetCommit.
type Loader interface {
	GetCommit(ctx context.Context, id model.CommitID) (model.Commit, error)
}

// HistoryValues linearizes head and loads every commit object along the way.
func HistoryValues(ctx context.Context, causal model.CausalOrder, store Loader, head model.CommitID) ([]CommitRecord, error) {
	ids, err := History(causal, head)
	if err != nil {
		return nil, err
	}

	out := make([]CommitRecord, len(ids))
	for i, id := range ids {
		c, err := store.GetCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dag: failed to load commit %s: %w", id, err)
		}
		out[i] = CommitRecord{ID: id, Commit: c}
	}

	return out, nil
}
