package stage

import (
	"fmt"
	"sync"

	"stage/backend/metaalgebra"
	"stage/backend/model"
)

// State is the stage's root mutable state: repositories per user and the
// subscription filter, guarded by a single mutex. The design notes in the
// source system this is modeled on explicitly allow a mutex around
// mutations given the low mutation rate, instead of a lock-free
// compare-and-swap cell.
type State struct {
	mu    sync.Mutex
	repos map[string]map[string]RepoEntry // user -> repo-id -> entry
	subs  map[string]map[string][]string  // user -> repo-id -> branches
}

// NewState creates an empty stage state.
func NewState() *State {
	return &State{
		repos: make(map[string]map[string]RepoEntry),
		subs:  make(map[string]map[string][]string),
	}
}

// InstallRepo installs entry at (user, id). It fails with
// RepoAlreadyExistsError if the slot is already occupied.
func (s *State) InstallRepo(user, id string, entry RepoEntry, branches []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repos, ok := s.repos[user]; ok {
		if _, ok := repos[id]; ok {
			return &RepoAlreadyExistsError{User: user, RepoID: id}
		}
	}

	if s.repos[user] == nil {
		s.repos[user] = make(map[string]RepoEntry)
	}
	s.repos[user][id] = entry

	if s.subs[user] == nil {
		s.subs[user] = make(map[string][]string)
	}
	s.subs[user][id] = branches

	return nil
}

// AppendTransactions concatenates txs onto stage[user][id].transactions[branch]
// and returns the updated entry, all under the stage mutex so a concurrent
// abort decision (StageLoop step 2) can never silently drop a transaction
// that is concurrently being appended.
func (s *State) AppendTransactions(user, id, branch string, txs []model.TransactionRef) (RepoEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.repos[user][id]
	if !ok {
		return RepoEntry{}, fmt.Errorf("stage: user %q has no repo %q installed", user, id)
	}

	entry = entry.clone()
	entry.Transactions[branch] = append(entry.Transactions[branch], txs...)
	s.repos[user][id] = entry

	return entry, nil
}

// CleanupOpsAndNewValues clears op and new-values for every (user, repo, branch)
// named in metas, as the final step of sync!.
func (s *State) CleanupOpsAndNewValues(metas Metas) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for user, repos := range metas {
		for repoID, branches := range repos {
			entry, ok := s.repos[user][repoID]
			if !ok {
				continue
			}
			entry = entry.clone()
			entry.Op = OpNone
			for _, b := range branches {
				delete(entry.NewValues, b)
			}
			s.repos[user][repoID] = entry
		}
	}
}

// MetaPubResult is one (user, repo) named in an incoming meta-pub, with its
// metadata before and after ApplyMetaPub merged it (the two may be equal),
// carrying enough state for StageLoop to recompute branch
// values without re-reading the stage mutex.
type MetaPubResult struct {
	User, RepoID     string
	OldMeta, NewMeta model.RepoMeta
	Entry            RepoEntry
}

// ApplyMetaPub merges every incoming (user, repo) metadata into the stage,
// installing it fresh if the stage has never seen that repo before.
func (s *State) ApplyMetaPub(incoming map[string]map[string]model.RepoMeta) []MetaPubResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []MetaPubResult

	for user, repos := range incoming {
		for repoID, newMeta := range repos {
			if s.repos[user] == nil {
				s.repos[user] = make(map[string]RepoEntry)
			}

			entry, existed := s.repos[user][repoID]
			if !existed {
				entry = NewRepoEntry(newMeta)
				s.repos[user][repoID] = entry
				results = append(results, MetaPubResult{User: user, RepoID: repoID, OldMeta: model.NewRepoMeta(repoID), NewMeta: newMeta, Entry: entry})
				continue
			}

			oldMeta := entry.Meta
			merged := metaalgebra.Update(oldMeta, newMeta)

			entry = entry.clone()
			entry.Meta = merged
			entry.Op = OpMetaPub
			s.repos[user][repoID] = entry

			results = append(results, MetaPubResult{User: user, RepoID: repoID, OldMeta: oldMeta, NewMeta: merged, Entry: entry})
		}
	}

	return results
}

// TakeStagedAndClear reads and clears staged transactions for (user, repo, branch),
// returning what was staged. Used by StageLoop step 2 to decide whether an
// incoming history change must abort anything.
func (s *State) TakeStagedAndClear(user, repoID, branch string) []model.TransactionRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.repos[user][repoID]
	if !ok {
		return nil
	}

	txs := entry.Transactions[branch]
	if len(txs) == 0 {
		return nil
	}

	entry = entry.clone()
	delete(entry.Transactions, branch)
	s.repos[user][repoID] = entry

	return txs
}

// SetPendingAbort records or clears the pending-abort list for (user, repo, branch).
func (s *State) SetPendingAbort(user, repoID, branch string, aborted []model.TransactionRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.repos[user][repoID]
	if !ok {
		return
	}
	entry = entry.clone()
	if len(aborted) == 0 {
		delete(entry.PendingAbort, branch)
	} else {
		entry.PendingAbort[branch] = aborted
	}
	s.repos[user][repoID] = entry
}

// Remove deletes the listed (user, repo-id) pairs from the stage and from
// the subscription filter.
func (s *State) Remove(pairs [][2]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pairs {
		user, repoID := p[0], p[1]
		delete(s.repos[user], repoID)
		delete(s.subs[user], repoID)
	}
}

// MarkMetaSub tags every (user, repo) in metas that currently has no pending
// op as meta-sub: an inbound :meta-pub-req asks for the repo's current
// metadata regardless of whether anything changed locally since the last
// sync cycle, and the meta-sub tag is what makes sync!'s projection include
// it even with nothing new to publish. A repo that already has a pending
// meta-pub (a real local mutation) keeps that tag; meta-sub never downgrades it.
func (s *State) MarkMetaSub(metas Metas) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for user, repos := range metas {
		for repoID := range repos {
			entry, ok := s.repos[user][repoID]
			if !ok || entry.Op != OpNone {
				continue
			}
			entry = entry.clone()
			entry.Op = OpMetaSub
			s.repos[user][repoID] = entry
		}
	}
}

// SetSubs replaces the subscription set for user outright (subscribe_repos
// is not additive).
func (s *State) SetSubs(user string, subs map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[user] = subs
}

// Subs returns a copy of the current subscription filter.
func (s *State) Subs() map[string]map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string][]string, len(s.subs))
	for u, repos := range s.subs {
		outRepos := make(map[string][]string, len(repos))
		for r, branches := range repos {
			outRepos[r] = append([]string(nil), branches...)
		}
		out[u] = outRepos
	}
	return out
}

// Get returns a copy of the entry at (user, id).
func (s *State) Get(user, id string) (RepoEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.repos[user][id]
	return e, ok
}

// Set overwrites the entry at (user, id). Used by commit/merge to
// install the outcome of an external algebra operation.
func (s *State) Set(user, id string, entry RepoEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repos[user] == nil {
		s.repos[user] = make(map[string]RepoEntry)
	}
	s.repos[user][id] = entry
}

// Snapshot returns a deep copy of the whole repos map, for sync!'s view of
// new-values/meta-pubs and SyncAll's scan of pending repos. Per the
// source's documented eventual-consistency design, this read is not
// serialized against val_atom's own update.
func (s *State) Snapshot() map[string]map[string]RepoEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]RepoEntry, len(s.repos))
	for u, repos := range s.repos {
		outRepos := make(map[string]RepoEntry, len(repos))
		for r, e := range repos {
			outRepos[r] = e.clone()
		}
		out[u] = outRepos
	}
	return out
}
