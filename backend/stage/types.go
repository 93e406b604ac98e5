package stage

import (
	"stage/backend/conflict"
	"stage/backend/model"
)

// Op is the last operation tag recorded for a repo in the current sync
// cycle.
type Op string

const (
	OpNone    Op = ""
	OpMetaPub Op = "meta-pub"
	OpMetaSub Op = "meta-sub"
)

// RepoEntry is the per-(user, repo) state the stage tracks.
type RepoEntry struct {
	Meta model.RepoMeta
	// Transactions holds staged, uncommitted transactions per branch, in
	// submission order.
	Transactions map[string][]model.TransactionRef
	// NewValues holds blobs produced locally by commit/fork/merge that a
	// remote peer may still need to fetch, per branch, keyed by blob-id
	// string.
	NewValues map[string]map[string][]byte
	// Op is this repo's last operation tag in the current sync cycle.
	Op Op
	// PendingAbort carries transactions dropped by an incoming history
	// change, per branch. Nothing clears it once recorded: every later
	// meta-pub recomputation of that branch reports it again in its Abort.
	PendingAbort map[string][]model.TransactionRef
}

// NewRepoEntry creates an empty entry around the given metadata.
func NewRepoEntry(meta model.RepoMeta) RepoEntry {
	return RepoEntry{
		Meta:         meta,
		Transactions: make(map[string][]model.TransactionRef),
		NewValues:    make(map[string]map[string][]byte),
		PendingAbort: make(map[string][]model.TransactionRef),
	}
}

func (e RepoEntry) clone() RepoEntry {
	out := RepoEntry{
		Meta:         e.Meta,
		Transactions: make(map[string][]model.TransactionRef, len(e.Transactions)),
		NewValues:    make(map[string]map[string][]byte, len(e.NewValues)),
		Op:           e.Op,
		PendingAbort: make(map[string][]model.TransactionRef, len(e.PendingAbort)),
	}
	for b, txs := range e.Transactions {
		out.Transactions[b] = append([]model.TransactionRef(nil), txs...)
	}
	for b, vs := range e.NewValues {
		nv := make(map[string][]byte, len(vs))
		for k, v := range vs {
			nv[k] = v
		}
		out.NewValues[b] = nv
	}
	for b, txs := range e.PendingAbort {
		out.PendingAbort[b] = append([]model.TransactionRef(nil), txs...)
	}
	return out
}

// Abort reports that incoming remote history invalidated locally staged
// transactions. The application observes this instead of a plain value.
type Abort struct {
	NewValue []byte
	Aborted  []model.TransactionRef
}

// BranchValue is the observable value of a single (user, repo, branch): at
// most one of Value, Conflict or Abort is populated.
type BranchValue struct {
	Value    []byte
	Conflict *conflict.Conflict
	Abort    *Abort
}

// Snapshot is the observable stage value: user -> repo-id -> branch -> value.
type Snapshot map[string]map[string]map[string]BranchValue

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for u, repos := range s {
		outRepos := make(map[string]map[string]BranchValue, len(repos))
		for r, branches := range repos {
			outBranches := make(map[string]BranchValue, len(branches))
			for b, v := range branches {
				outBranches[b] = v
			}
			outRepos[r] = outBranches
		}
		out[u] = outRepos
	}
	return out
}

func (s Snapshot) set(user, repo, branch string, v BranchValue) {
	if s[user] == nil {
		s[user] = make(map[string]map[string]BranchValue)
	}
	if s[user][repo] == nil {
		s[user][repo] = make(map[string]BranchValue)
	}
	s[user][repo][branch] = v
}

// Metas is the user -> repo-id -> branch-set shape used by sync! and the
// subscription filter.
type Metas map[string]map[string][]string
