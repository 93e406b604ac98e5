// Package model defines the content-addressed data structures shared by the
// staging engine: commits, the causal order they form, and repository
// metadata. The algebra that builds and merges them lives in the sibling
// metaalgebra package, which treats commits and causal orders as values to
// fold over rather than own.
package model

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

func init() {
	cbornode.RegisterCborType(Commit{})
	cbornode.RegisterCborType(TransactionRef{})
}

// CommitID is the content-address of a Commit object.
type CommitID = cid.Cid

// BlobID is the content-address of an arbitrary stored blob, e.g. staged
// transaction parameters or transaction function source.
type BlobID = cid.Cid

// TransactionRef is a (param-id, trans-fn-id) pair as it is recorded inside a
// committed Commit object.
type TransactionRef struct {
	ParamID   BlobID `refmt:"param"`
	TransFnID BlobID `refmt:"transFn"`
}

// Commit is the immutable object stored in the blob store.
type Commit struct {
	Transactions []TransactionRef `refmt:"transactions,omitempty"`
	Parents      []CommitID       `refmt:"parents,omitempty"`
}

// EncodedCommit pairs a decoded Commit with its content-address and raw
// DagCBOR bytes, so callers that only need the bytes (store writes, wire
// transfer) don't have to re-encode a commit they already have in hand.
type EncodedCommit struct {
	CID     CommitID
	Data    []byte
	Decoded Commit
}

// NewCommit builds and encodes a Commit from a list of staged transactions
// and an ordered set of parents. Parent order is caller-significant: a merge
// commit's parent order records contribution order, so two merges of the
// same heads in different orders are different, differently-hashed commits
// (the same way a first-parent and second-parent differ in any DAG VCS).
func NewCommit(transactions []TransactionRef, parents []CommitID) (EncodedCommit, error) {
	c := Commit{
		Transactions: transactions,
		Parents:      slices.Clone(parents),
	}

	data, err := cbornode.DumpObject(c)
	if err != nil {
		return EncodedCommit{}, fmt.Errorf("failed to encode commit: %w", err)
	}

	id, err := NewCID(uint64(multicodec.DagCbor), data)
	if err != nil {
		return EncodedCommit{}, err
	}

	return EncodedCommit{CID: id, Data: data, Decoded: c}, nil
}

// DecodeCommit decodes DagCBOR bytes produced by NewCommit.
func DecodeCommit(data []byte) (Commit, error) {
	var c Commit
	if err := cbornode.DecodeInto(data, &c); err != nil {
		return Commit{}, fmt.Errorf("failed to decode commit: %w", err)
	}
	return c, nil
}

// NewCID hashes data into a CIDv1 using SHA2-256.
func NewCID(codec uint64, data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, mh), nil
}

// CompareCommitIDs orders two commit-ids by their raw bytes. Used to give a
// deterministic order to sets of commit-ids that carry no meaning of their
// own, e.g. branch heads that arrived from independent peers.
func CompareCommitIDs(a, b CommitID) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// SortCommitIDs sorts ids in place by byte order and returns them.
func SortCommitIDs(ids []CommitID) []CommitID {
	slices.SortFunc(ids, CompareCommitIDs)
	return ids
}

// DedupSortCommitIDs sorts and removes duplicate ids.
func DedupSortCommitIDs(ids []CommitID) []CommitID {
	SortCommitIDs(ids)
	return slices.CompactFunc(ids, func(a, b CommitID) bool { return a.Equals(b) })
}

// CausalOrder maps a commit-id to its parents, in the same order the
// originating Commit object records them.
type CausalOrder map[string][]CommitID

// NewCausalOrder creates an empty causal order.
func NewCausalOrder() CausalOrder {
	return make(CausalOrder)
}

// AddCommit records a commit and its parents, preserving parent order.
// Callers are expected to have already added every ancestor.
func (co CausalOrder) AddCommit(id CommitID, parents []CommitID) {
	co[id.KeyString()] = slices.Clone(parents)
}

// Has reports whether a commit is known to this causal order.
func (co CausalOrder) Has(id CommitID) bool {
	_, ok := co[id.KeyString()]
	return ok
}

// Parents returns the (deterministically ordered) parents of a commit.
// A commit absent from the map is treated as a root with no parents.
func (co CausalOrder) Parents(id CommitID) []CommitID {
	return co[id.KeyString()]
}

// Len returns the number of commits known to this causal order.
func (co CausalOrder) Len() int {
	return len(co)
}

// MergeCount returns the number of commits with more than one parent.
func (co CausalOrder) MergeCount() int {
	var n int
	for _, parents := range co {
		if len(parents) > 1 {
			n++
		}
	}
	return n
}

// Clone returns a deep copy, so a caller can keep mutating the original
// without affecting a previously published snapshot.
func (co CausalOrder) Clone() CausalOrder {
	out := make(CausalOrder, len(co))
	for k, v := range co {
		out[k] = slices.Clone(v)
	}
	return out
}

// Union merges another causal order into a new one. Since every commit-id is
// content-addressed, the same id always maps to the same parents in both
// operands, so union is simply a set union of keys.
func (co CausalOrder) Union(other CausalOrder) CausalOrder {
	out := co.Clone()
	for k, v := range other {
		if _, ok := out[k]; !ok {
			out[k] = slices.Clone(v)
		}
	}
	return out
}

// RepoMeta is the repository metadata tracked by the stage.
type RepoMeta struct {
	ID       string
	Causal   CausalOrder
	Branches map[string][]CommitID
}

// NewRepoMeta creates an empty repository metadata value for id.
func NewRepoMeta(id string) RepoMeta {
	return RepoMeta{
		ID:       id,
		Causal:   NewCausalOrder(),
		Branches: make(map[string][]CommitID),
	}
}

// Heads returns the heads of branch in whatever order they were recorded.
func (m RepoMeta) Heads(branch string) []CommitID {
	return m.Branches[branch]
}

// SortedHeads returns a copy of branch's heads ordered by commit-id bytes.
// Heads arriving from independent peers carry no intrinsic order, so callers
// that need to designate one as "a" and the other as "b" (e.g. conflict
// summarization) sort first to agree on which is which.
func (m RepoMeta) SortedHeads(branch string) []CommitID {
	return SortCommitIDs(slices.Clone(m.Branches[branch]))
}

// MultipleHeads reports whether branch is in conflict.
func (m RepoMeta) MultipleHeads(branch string) bool {
	return len(m.Branches[branch]) >= 2
}

// Clone returns a deep copy of the metadata.
func (m RepoMeta) Clone() RepoMeta {
	out := RepoMeta{
		ID:       m.ID,
		Causal:   m.Causal.Clone(),
		Branches: make(map[string][]CommitID, len(m.Branches)),
	}
	for b, heads := range m.Branches {
		out.Branches[b] = slices.Clone(heads)
	}
	return out
}

// Equal reports whether two metadata snapshots are causally equal: same
// causal order keys and same branch heads. Used to decide whether a meta-pub
// actually changed anything before republishing derived state.
func (m RepoMeta) Equal(other RepoMeta) bool {
	if len(m.Causal) != len(other.Causal) {
		return false
	}
	for k := range m.Causal {
		if _, ok := other.Causal[k]; !ok {
			return false
		}
	}
	if len(m.Branches) != len(other.Branches) {
		return false
	}
	for b, heads := range m.Branches {
		oheads, ok := other.Branches[b]
		if !ok || !slices.EqualFunc(heads, oheads, func(a, c CommitID) bool { return a.Equals(c) }) {
			return false
		}
	}
	return true
}

// BranchNames returns the branches sorted lexicographically, for deterministic iteration.
func (m RepoMeta) BranchNames() []string {
	names := make([]string, 0, len(m.Branches))
	for b := range m.Branches {
		names = append(names, b)
	}
	slices.SortFunc(names, cmp.Compare)
	return names
}

// Well-known transaction-function markers. Both are identity-hashed over a
// human-readable label rather than content, since they are sentinels rather
// than content-addressed function source.
var (
	// BlobStoreTransMarker marks a transaction whose params are themselves
	// the new branch value, bypassing the evaluator.
	BlobStoreTransMarker = wellKnownMarker("stage:blob-store-trans")
	// InitTransMarker marks the single transaction of a repository's root
	// commit: its params are the repository's initial value, replacing the
	// otherwise-empty root value outright.
	InitTransMarker = wellKnownMarker("stage:init")
)

func wellKnownMarker(label string) BlobID {
	mh, err := multihash.Sum([]byte(label), multihash.IDENTITY, -1)
	if err != nil {
		panic(fmt.Sprintf("model: failed to build well-known marker %q: %v", label, err))
	}
	return cid.NewCidV1(uint64(multicodec.Raw), mh)
}

// TransFnID addresses a symbolic evaluator function name the same way
// wellKnownMarker does: identity-hashed, so the name is recoverable from the
// id without a store round trip.
func TransFnID(name string) BlobID {
	return wellKnownMarker("transfn:" + name)
}

// TransFnName recovers the symbolic name encoded by TransFnID, or an error
// if id does not carry an identity-hashed name (e.g. it is content-addressed
// transaction function source instead).
func TransFnName(id BlobID) (string, error) {
	dmh, err := multihash.Decode(id.Hash())
	if err != nil {
		return "", err
	}
	if dmh.Code != multihash.IDENTITY {
		return "", fmt.Errorf("model: %s is not an identity-hashed function name", id)
	}
	const prefix = "transfn:"
	name := string(dmh.Digest)
	if len(name) < len(prefix) || name[:len(prefix)] != prefix {
		return "", fmt.Errorf("model: %s does not carry a transfn: name", id)
	}
	return name[len(prefix):], nil
}
