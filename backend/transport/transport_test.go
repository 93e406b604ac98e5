package transport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestPipeRoundtrip(t *testing.T) {
	p := NewPipe(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := Message{Topic: TopicConnect, URL: "stage://peer-b"}
	require.NoError(t, p.A.Send(ctx, msg))

	got, err := p.B.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestPipeBothDirections(t *testing.T) {
	p := NewPipe(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	peerID := peer.ID("peer-a")

	require.NoError(t, p.A.Send(ctx, Message{Topic: TopicMetaPub, Metas: Metas{"u": {"r": {"master"}}}, Peer: peerID}))
	got, err := p.B.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TopicMetaPub, got.Topic)
	require.Equal(t, peerID, got.Peer)

	require.NoError(t, p.B.Send(ctx, Message{Topic: TopicMetaPubed, Peer: peerID}))
	got2, err := p.A.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TopicMetaPubed, got2.Topic)
}

func TestSendAfterCloseErrors(t *testing.T) {
	p := NewPipe(1)
	require.NoError(t, p.A.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.A.Send(ctx, Message{Topic: TopicConnect})
	require.Error(t, err)
}
