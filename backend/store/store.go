// Package store provides the content-addressed blob store the staging
// engine treats as an external collaborator: commits and transaction blobs
// are written once, fetched by id, and never mutated in place. A runnable
// in-memory implementation is enough to exercise the value materializer,
// conflict summarizer and sync driver end to end, without pulling in a
// persistent backend.
package store

import (
	"context"
	"fmt"
	"sync"

	blockstore "github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multicodec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stage/backend/model"
)

var mCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stage_store_calls_total",
	Help: "The total of method calls on the stage's blob store.",
}, []string{"method"})

// Store is what the value materializer, conflict summarizer and sync driver
// need from the blob store collaborator: GetRaw/Assoc, plus typed helpers for
// commit objects since those are decoded on every load.
type Store interface {
	GetRaw(ctx context.Context, id model.BlobID) ([]byte, error)
	Assoc(ctx context.Context, data []byte) (model.BlobID, error)
	GetCommit(ctx context.Context, id model.CommitID) (model.Commit, error)
	PutCommit(ctx context.Context, c model.EncodedCommit) error
}

// MemStore is a process-local, content-addressed blob store. It implements
// [blockstore.Blockstore] so it could later be swapped for a real IPFS
// blockstore without touching the engine above it.
type MemStore struct {
	mu   sync.RWMutex
	blks map[string]blocks.Block
}

var _ blockstore.Blockstore = (*MemStore)(nil)
var _ Store = (*MemStore)(nil)

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{blks: make(map[string]blocks.Block)}
}

// Has implements blockstore.Blockstore.
func (s *MemStore) Has(_ context.Context, c cid.Cid) (bool, error) {
	mCallsTotal.WithLabelValues("Has").Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blks[c.KeyString()]
	return ok, nil
}

// Get implements blockstore.Blockstore.
func (s *MemStore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	mCallsTotal.WithLabelValues("Get").Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	blk, ok := s.blks[c.KeyString()]
	if !ok {
		return nil, format.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// GetSize implements blockstore.Blockstore.
func (s *MemStore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := s.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

// Put implements blockstore.Blockstore.
func (s *MemStore) Put(_ context.Context, block blocks.Block) error {
	mCallsTotal.WithLabelValues("Put").Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blks[block.Cid().KeyString()] = block
	return nil
}

// PutMany implements blockstore.Blockstore.
func (s *MemStore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, b := range blks {
		if err := s.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock implements blockstore.Blockstore. The stage engine never
// garbage-collects, but the method must exist to satisfy the interface.
func (s *MemStore) DeleteBlock(_ context.Context, c cid.Cid) error {
	mCallsTotal.WithLabelValues("DeleteBlock").Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blks, c.KeyString())
	return nil
}

// AllKeysChan implements blockstore.Blockstore.
func (s *MemStore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	s.mu.RLock()
	ids := make([]cid.Cid, 0, len(s.blks))
	for _, b := range s.blks {
		ids = append(ids, b.Cid())
	}
	s.mu.RUnlock()

	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		for _, id := range ids {
			select {
			case ch <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// HashOnRead implements blockstore.Blockstore. No-op: the store never
// re-derives hashes on read, since entries are only ever written through Assoc/PutCommit.
func (s *MemStore) HashOnRead(bool) {}

// Assoc stores an arbitrary blob, e.g. transaction params, keyed by its own
// content-address.
func (s *MemStore) Assoc(ctx context.Context, data []byte) (model.BlobID, error) {
	id, err := model.NewCID(uint64(multicodec.Raw), data)
	if err != nil {
		return cid.Undef, err
	}

	blk, err := blocks.NewBlockWithCid(data, id)
	if err != nil {
		return cid.Undef, err
	}

	if err := s.Put(ctx, blk); err != nil {
		return cid.Undef, err
	}

	return id, nil
}

// GetRaw fetches a previously Assoc'd or PutCommit'd blob's raw bytes.
func (s *MemStore) GetRaw(ctx context.Context, id model.BlobID) ([]byte, error) {
	blk, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

// PutCommit stores an encoded commit object.
func (s *MemStore) PutCommit(ctx context.Context, c model.EncodedCommit) error {
	blk, err := blocks.NewBlockWithCid(c.Data, c.CID)
	if err != nil {
		return err
	}
	return s.Put(ctx, blk)
}

// GetCommit loads and decodes a commit object.
func (s *MemStore) GetCommit(ctx context.Context, id model.CommitID) (model.Commit, error) {
	data, err := s.GetRaw(ctx, id)
	if err != nil {
		return model.Commit{}, fmt.Errorf("store: failed to load commit %s: %w", id, err)
	}
	return model.DecodeCommit(data)
}
