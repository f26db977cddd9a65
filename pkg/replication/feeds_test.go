package replication

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/feed"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
)

const waitTimeout = 3 * time.Second

func newStorage(t *testing.T) *feed.Storage {
	t.Helper()
	db, err := storage.OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return feed.NewStorage(db)
}

func newParty(t *testing.T, key crypto.Key, set *FeedSet) *party.Party {
	t.Helper()
	rules := set.Rules(party.RulesOptions{TransactionTimeout: 2 * time.Second}, party.ReplicateOptions{Live: true})
	p, err := party.NewParty(key, &rules)
	require.NoError(t, err)
	return p
}

func connect(t *testing.T, a, b *party.Party) {
	t.Helper()
	c1, c2 := net.Pipe()
	pa, err := a.Replicate(context.Background(), c1)
	require.NoError(t, err)
	pb, err := b.Replicate(context.Background(), c2)
	require.NoError(t, err)
	t.Cleanup(func() {
		pa.Close()
		pb.Close()
	})
}

func TestFeedSetCreateAndLoad(t *testing.T) {
	store := newStorage(t)
	keyDir := filepath.Join(t.TempDir(), "feeds")

	set := NewFeedSet(store, keyDir)
	own, err := set.Create()
	require.NoError(t, err)
	_, err = own.Append([]byte("block"))
	require.NoError(t, err)

	replica, err := set.Open(mustKey(t))
	require.NoError(t, err)
	assert.False(t, replica.Writable())

	// replicas without blocks are not persisted
	reloaded := NewFeedSet(store, keyDir)
	require.NoError(t, reloaded.Load())
	require.Equal(t, 1, reloaded.Len())

	l := reloaded.Find(crypto.MustDiscoveryKey(own.Key()))
	require.NotNil(t, l)
	assert.True(t, l.Writable())
	assert.Equal(t, uint64(1), l.Len())
}

func TestFeedSetOpenIsIdempotent(t *testing.T) {
	set := NewFeedSet(newStorage(t), "")
	key := mustKey(t)

	a, err := set.Open(key)
	require.NoError(t, err)
	b, err := set.Open(key)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []crypto.Key{key}, set.Keys())

	_, err = set.Open(crypto.Key{1, 2, 3})
	assert.Error(t, err)
}

func TestFeedRulesReplicate(t *testing.T) {
	partyKey := mustKey(t)

	setA := NewFeedSet(newStorage(t), "")
	own, err := setA.Create()
	require.NoError(t, err)
	for _, data := range []string{"one", "two", "three"} {
		_, err := own.Append([]byte(data))
		require.NoError(t, err)
	}

	setB := NewFeedSet(newStorage(t), "")
	other, err := setB.Create()
	require.NoError(t, err)
	_, err = other.Append([]byte("from b"))
	require.NoError(t, err)

	connect(t, newParty(t, partyKey, setA), newParty(t, partyKey, setB))

	ownDK := crypto.MustDiscoveryKey(own.Key())
	otherDK := crypto.MustDiscoveryKey(other.Key())

	require.Eventually(t, func() bool {
		l := setB.Find(ownDK)
		return l != nil && l.Len() == 3
	}, waitTimeout, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		l := setA.Find(otherDK)
		return l != nil && l.Len() == 1
	}, waitTimeout, 10*time.Millisecond)

	data, err := setB.Find(ownDK).Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	// live appends are pushed to the replica
	_, err = own.Append([]byte("four"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return setB.Find(ownDK).Len() == 4
	}, waitTimeout, 10*time.Millisecond)
}

func mustKey(t *testing.T) crypto.Key {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Public
}
