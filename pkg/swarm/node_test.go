package swarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
)

const waitTimeout = 5 * time.Second

func echoRules() party.Rules {
	return party.Rules{
		Name:      "echo",
		Handshake: func(context.Context, *party.Peer) error { return nil },
		FindFeed: func(context.Context, *party.Peer, crypto.Key) (feed.Feed, error) {
			return nil, nil
		},
		OnRequest: func(ctx context.Context, peer *party.Peer, req party.Request) ([]byte, error) {
			return req.Value, nil
		},
	}
}

func newTestNode(t *testing.T, topic crypto.Key) (*Node, *party.Party) {
	t.Helper()
	ctx := context.Background()

	m := party.NewManager(nil)
	require.NoError(t, m.RegisterRules(echoRules()))
	p, err := m.CreateParty(ctx, topic, "echo")
	require.NoError(t, err)

	n, err := NewNode(ctx, &NodeConfig{
		ListenAddrs:      []string{"/ip4/127.0.0.1/tcp/0"},
		ReplicateOptions: []party.ReplicateOption{party.WithLive(true)},
	}, m)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, p
}

func TestNodeInfo(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	n, _ := newTestNode(t, kp.Public)

	info := n.Info()
	assert.Equal(t, n.ID().String(), info.ID)
	require.NotEmpty(t, info.Addresses)
	assert.Contains(t, info.Addresses[0], "/p2p/"+n.ID().String())
	assert.Equal(t, 0, info.PeerCount)
	assert.False(t, info.Bootstrapped)
}

func TestNodeReplicateWith(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	a, pa := newTestNode(t, kp.Public)
	b, pb := newTestNode(t, kp.Public)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, a.Connect(ctx, b.FullAddresses()[0]))
	assert.Equal(t, 1, a.PeerCount())

	proto, err := a.ReplicateWith(ctx, b.ID(), pa)
	require.NoError(t, err)
	require.NoError(t, proto.WaitHandshake(ctx))

	again, err := a.ReplicateWith(ctx, b.ID(), pa)
	require.NoError(t, err)
	assert.Same(t, proto, again)
	assert.Equal(t, 1, a.Connections())

	require.Eventually(t, func() bool { return len(pb.Peers()) == 1 }, waitTimeout, 10*time.Millisecond)
	require.Len(t, pa.Peers(), 1)

	res, err := pa.Peers()[0].Request(ctx, party.Request{Type: "echo", Value: []byte("over libp2p")})
	require.NoError(t, err)
	assert.Equal(t, []byte("over libp2p"), res)

	require.NoError(t, proto.Close())
	require.Eventually(t, func() bool { return a.Connections() == 0 }, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(pb.Peers()) == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestNodeJoinLeave(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	n, p := newTestNode(t, kp.Public)

	require.NoError(t, n.Join(p))
	require.NoError(t, n.Join(p))
	assert.Equal(t, []string{"zentalk/party/" + p.DiscoveryKey().String()}, n.Joined())

	n.Leave(p)
	assert.Empty(t, n.Joined())

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Join(p), ErrNodeClosed)
}

func TestNodeBootstrapFailure(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	n, _ := newTestNode(t, kp.Public)

	assert.ErrorIs(t, n.Bootstrap([]string{"not-a-multiaddr"}), ErrNoBootstrapPeers)
	assert.False(t, n.IsBootstrapped())
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}
