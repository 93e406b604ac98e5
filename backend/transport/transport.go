// Package transport implements the peer wire protocol the staging engine
// treats as an external collaborator: a topic-tagged message channel pair
// per peer connection. Pipe wires two in-process peers together for tests
// and the demo command; a real deployment would swap it for a libp2p stream
// without touching anything above this package.
package transport

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"stage/backend/model"
)

// Topic tags a Message's payload, mirroring the wire protocol's topic
// keywords.
type Topic string

const (
	TopicConnect       Topic = "connect"
	TopicConnected     Topic = "connected"
	TopicMetaSub       Topic = "meta-sub"
	TopicMetaSubed     Topic = "meta-subed"
	TopicMetaPubReq    Topic = "meta-pub-req"
	TopicMetaPub       Topic = "meta-pub"
	TopicMetaPubed     Topic = "meta-pubed"
	TopicFetch         Topic = "fetch"
	TopicFetched       Topic = "fetched"
	TopicBinaryFetch   Topic = "binary-fetch"
	TopicBinaryFetched Topic = "binary-fetched"
)

// Metas is the user -> repo-id -> branch-set shape every meta-sub/meta-pub
// payload carries.
type Metas map[string]map[string][]string

// Message is a single envelope on the wire. Which payload fields are
// populated depends on Topic; Peer accompanies most topics.
type Message struct {
	Topic Topic

	// :connect / :connected
	URL string

	// :meta-sub, :meta-pub-req, :meta-pub
	Metas Metas
	// RepoMetas carries the actual repository metadata for a :meta-pub.
	// A real peer transport would instead publish a content-address and
	// let the receiver fetch the metadata blob; an in-process Pipe has no
	// wire to serialize across, so it ships the value directly.
	RepoMetas map[string]map[string]model.RepoMeta
	// Peer identifies the stage instance, so the block-detector can drop
	// echoes of its own publications and so :meta-pubed/:fetched replies
	// can be addressed.
	Peer peer.ID
	// HostTagged marks a :meta-pub this stage itself emitted, as opposed to
	// one received from the remote peer.
	HostTagged bool

	// :fetch / :binary-fetch
	IDs []model.BlobID

	// :fetched
	Values map[string][]byte // key is the blob-id's KeyString

	// :binary-fetched
	Value []byte
}

// Endpoint is one side of a peer connection: an outbound send and an inbound
// receive, both suspending operations.
type Endpoint interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// chanEndpoint is an Endpoint backed by Go channels, used by Pipe.
type chanEndpoint struct {
	out    chan<- Message
	in     <-chan Message
	closed chan struct{}
}

func (e *chanEndpoint) Send(ctx context.Context, msg Message) error {
	select {
	case e.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return fmt.Errorf("transport: endpoint closed")
	}
}

func (e *chanEndpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-e.in:
		if !ok {
			return Message{}, fmt.Errorf("transport: peer closed the connection")
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (e *chanEndpoint) Close() error {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	return nil
}

// Pipe connects two in-process peers with a pair of buffered channels in
// each direction, so either side can publish without blocking on the other
// having a receiver ready this instant.
type Pipe struct {
	A, B Endpoint
}

// NewPipe creates a connected pair of endpoints. bufSize bounds how many
// in-flight messages either direction tolerates before Send blocks.
func NewPipe(bufSize int) *Pipe {
	atob := make(chan Message, bufSize)
	btoa := make(chan Message, bufSize)

	return &Pipe{
		A: &chanEndpoint{out: atob, in: btoa, closed: make(chan struct{})},
		B: &chanEndpoint{out: btoa, in: atob, closed: make(chan struct{})},
	}
}
