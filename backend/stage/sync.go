package stage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stage/backend/model"
	"stage/backend/transport"
)

// Driver is the SyncDriver: it publishes metadata updates for a set of
// (user, repo, branches) and awaits a meta-pubed acknowledgement with a
// timeout. Serving :fetch/:binary-fetch requests needs to keep reading the
// same inbound endpoint that Sync's own ack wait does, so a single Stage-
// level dispatcher owns the Recv loop and calls into HandleFetch,
// HandleBinaryFetch and NotifyAck; Driver itself never calls Recv.
type Driver struct {
	Endpoint   transport.Endpoint
	State      *State
	PeerID     peer.ID
	AckTimeout time.Duration
	Log        *zap.Logger

	newValues atomic.Pointer[map[string][]byte]
	ack       chan struct{}
}

// NewDriver builds a Driver. A nil logger is replaced with zap.NewNop().
func NewDriver(ep transport.Endpoint, st *State, peerID peer.ID, ackTimeout time.Duration, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{Endpoint: ep, State: st, PeerID: peerID, AckTimeout: ackTimeout, Log: log, ack: make(chan struct{}, 1)}
}

// Sync implements sync!: publish, make new-values servable for the
// dispatcher's fetch handling, wait for the ack (with warn-then-keep-waiting
// on timeout), then clean up ops and new-values for everything published.
func (d *Driver) Sync(ctx context.Context, metas Metas) error {
	mSyncCyclesTotal.Inc()
	mSyncInFlight.Inc()
	defer mSyncInFlight.Dec()

	snapshot := d.State.Snapshot()
	nv := collectNewValues(snapshot, metas)
	d.newValues.Store(&nv)
	defer d.newValues.Store(nil)

	metaPubs := collectMetaPubs(snapshot, metas)
	if len(metaPubs) > 0 {
		if err := d.Endpoint.Send(ctx, transport.Message{
			Topic:      transport.TopicMetaPub,
			Peer:       d.PeerID,
			RepoMetas:  metaPubs,
			HostTagged: true,
		}); err != nil {
			return err
		}
	}

	if err := d.awaitAck(ctx); err != nil {
		return err
	}

	d.State.CleanupOpsAndNewValues(metas)
	return nil
}

func (d *Driver) awaitAck(ctx context.Context) error {
	timer := time.NewTimer(d.AckTimeout)
	defer timer.Stop()

	select {
	case <-d.ack:
		mSyncAcksTotal.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	mSyncAckTimeoutsTotal.Inc()
	d.Log.Warn("No meta-pubed ack received after 10 secs. Continue waiting...", zap.Error(&AckTimeoutError{Peer: d.PeerID.String()}))

	select {
	case <-d.ack:
		mSyncAcksTotal.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyAck is called by the Stage dispatcher on every inbound :meta-pubed.
func (d *Driver) NotifyAck() {
	select {
	case d.ack <- struct{}{}:
	default:
	}
}

// HandleFetch answers an inbound :fetch using whatever new-values the
// current (if any) Sync call published.
func (d *Driver) HandleFetch(ctx context.Context, ids []model.BlobID) error {
	nvp := d.newValues.Load()
	values := make(map[string][]byte)
	if nvp != nil {
		for _, id := range ids {
			if v, ok := (*nvp)[id.KeyString()]; ok {
				values[id.KeyString()] = v
			}
		}
	}
	return d.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicFetched, Values: values, Peer: d.PeerID})
}

// HandleBinaryFetch answers an inbound :binary-fetch, sending one
// :binary-fetched per id concurrently: each send is an independent unit of
// work against the endpoint, and one slow send must not hold up the rest.
// Every failure is collected rather than only the first.
func (d *Driver) HandleBinaryFetch(ctx context.Context, ids []model.BlobID) error {
	nvp := d.newValues.Load()
	if nvp == nil {
		return nil
	}

	var g errgroup.Group
	var mu sync.Mutex
	var errs error

	for _, id := range ids {
		v, ok := (*nvp)[id.KeyString()]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := d.Endpoint.Send(ctx, transport.Message{Topic: transport.TopicBinaryFetched, Value: v, Peer: d.PeerID}); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func collectNewValues(snapshot map[string]map[string]RepoEntry, metas Metas) map[string][]byte {
	out := make(map[string][]byte)
	for user, repos := range metas {
		for repoID, branches := range repos {
			entry, ok := snapshot[user][repoID]
			if !ok {
				continue
			}
			for _, b := range branches {
				for k, v := range entry.NewValues[b] {
					out[k] = v
				}
			}
		}
	}
	return out
}

func collectMetaPubs(snapshot map[string]map[string]RepoEntry, metas Metas) map[string]map[string]model.RepoMeta {
	out := make(map[string]map[string]model.RepoMeta)
	for user, repos := range metas {
		for repoID := range repos {
			entry, ok := snapshot[user][repoID]
			if !ok || (entry.Op != OpMetaPub && entry.Op != OpMetaSub) {
				continue
			}
			if out[user] == nil {
				out[user] = make(map[string]model.RepoMeta)
			}
			out[user][repoID] = entry.Meta
		}
	}
	return out
}
