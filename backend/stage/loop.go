package stage

import (
	"context"
	"fmt"

	"stage/backend/conflict"
	"stage/backend/materializer"
	"stage/backend/model"
)

// Loop is the StageLoop: it consumes inbound meta-pub messages, merges the
// carried metadata, recomputes every branch value that changed, and
// assembles a new observable Snapshot.
type Loop struct {
	State        *State
	Val          *ValAtom
	Materializer *materializer.Materializer
	Conflict     *conflict.Summarizer
	PeerID       string
}

// NewLoop builds a Loop over shared state.
func NewLoop(st *State, val *ValAtom, m *materializer.Materializer, c *conflict.Summarizer, peerID string) *Loop {
	return &Loop{State: st, Val: val, Materializer: m, Conflict: c, PeerID: peerID}
}

// HandleMetaPub implements StageLoop's single reaction to an inbound
// :meta-pub: merge, recompute, assemble, commit. The :meta-pubed reply is
// sent by Stage.Run after it returns.
func (l *Loop) HandleMetaPub(ctx context.Context, incoming map[string]map[string]model.RepoMeta) []MetaPubResult {
	results := l.State.ApplyMetaPub(incoming)

	old := l.Val.Load()
	next := old.clone()
	changed := false

	for _, res := range results {
		if res.OldMeta.Equal(res.NewMeta) {
			continue
		}

		for _, branch := range res.NewMeta.BranchNames() {
			oldHeads := res.OldMeta.Heads(branch)
			newHeads := res.NewMeta.Heads(branch)
			if sameHeadSet(oldHeads, newHeads) {
				continue
			}

			bv := l.recompute(ctx, res, branch)
			next.set(res.User, res.RepoID, branch, bv)
			changed = true
		}
	}

	if changed {
		l.Val.Store(next)
	}
	return results
}

func (l *Loop) recompute(ctx context.Context, res MetaPubResult, branch string) BranchValue {
	var bv BranchValue

	if res.NewMeta.MultipleHeads(branch) {
		mConflictsTotal.Inc()
		c, err := l.Conflict.Summarize(ctx, res.NewMeta, branch, false)
		if err != nil {
			bv.Value = []byte(fmt.Sprintf("error: %v", err))
		} else {
			bv.Conflict = &c
		}
	} else {
		val, err := l.Materializer.BranchValue(ctx, res.RepoID, res.NewMeta, branch, nil)
		if err != nil {
			bv.Value = []byte(fmt.Sprintf("error: %v", err))
		} else {
			bv.Value = val
		}
	}

	staged := l.State.TakeStagedAndClear(res.User, res.RepoID, branch)
	prevAbort := res.Entry.PendingAbort[branch]

	switch {
	case len(staged) > 0:
		mAbortsTotal.Inc()
		aborted := append(append([]model.TransactionRef(nil), prevAbort...), staged...)
		l.State.SetPendingAbort(res.User, res.RepoID, branch, aborted)
		bv.Abort = &Abort{NewValue: bv.Value, Aborted: aborted}
	case len(prevAbort) > 0:
		bv.Abort = &Abort{NewValue: bv.Value, Aborted: prevAbort}
	}

	return bv
}

func sameHeadSet(a, b []model.CommitID) bool {
	if len(a) != len(b) {
		return false
	}
	as := model.SortCommitIDs(append([]model.CommitID(nil), a...))
	bs := model.SortCommitIDs(append([]model.CommitID(nil), b...))
	for i := range as {
		if !as[i].Equals(bs[i]) {
			return false
		}
	}
	return true
}
