package feed

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

const waitTimeout = 3 * time.Second

// streamPair connects two streams; b replicates every feed a announces into replica
func streamPair(t *testing.T, live bool, replica *Log) (*transport.Stream, *transport.Stream) {
	t.Helper()
	c1, c2 := net.Pipe()
	opts := ReplicateOptions{Live: live}

	a := transport.NewStream(c1, transport.Options{Live: live}, transport.Handler{})
	b := transport.NewStream(c2, transport.Options{Live: live}, transport.Handler{
		OnFeed: func(s *transport.Stream, dk crypto.Key) {
			if !crypto.MustDiscoveryKey(replica.Key()).Equal(dk) {
				return
			}
			go func() {
				if err := replica.Replicate(context.Background(), s, opts); err != nil {
					t.Errorf("replica replicate: %v", err)
				}
			}()
		},
	})

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		a.Destroy(nil)
		b.Destroy(nil)
	})
	return a, b
}

func waitClosed(t *testing.T, s *transport.Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("stream did not close")
	}
}

func TestReplicateNonLive(t *testing.T) {
	writer, err := CreateLog(newStorage(t))
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := writer.Append([]byte(fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
	}

	replica, err := OpenLog(newStorage(t), writer.Key(), nil)
	require.NoError(t, err)

	a, b := streamPair(t, false, replica)
	a.SetExpectedFeeds(1)
	b.SetExpectedFeeds(1)

	require.NoError(t, writer.Replicate(context.Background(), a, ReplicateOptions{}))

	waitClosed(t, a)
	waitClosed(t, b)
	assert.NoError(t, a.Err())

	assert.Equal(t, uint64(300), replica.Len())
	data, err := replica.Get(299)
	require.NoError(t, err)
	assert.Equal(t, []byte("block-299"), data)
}

func TestReplicateBothDirectionsMerge(t *testing.T) {
	writer, err := CreateLog(newStorage(t))
	require.NoError(t, err)
	_, err = writer.Append([]byte("first"))
	require.NoError(t, err)

	// the replica already holds the first block
	replica, err := OpenLog(newStorage(t), writer.Key(), nil)
	require.NoError(t, err)
	b0, err := writer.Block(0)
	require.NoError(t, err)
	_, err = replica.put(b0)
	require.NoError(t, err)

	_, err = writer.Append([]byte("second"))
	require.NoError(t, err)

	a, b := streamPair(t, false, replica)
	a.SetExpectedFeeds(1)
	b.SetExpectedFeeds(1)
	require.NoError(t, writer.Replicate(context.Background(), a, ReplicateOptions{}))

	waitClosed(t, b)
	assert.Equal(t, uint64(2), replica.Len())
}

func TestReplicateLive(t *testing.T) {
	writer, err := CreateLog(newStorage(t))
	require.NoError(t, err)
	_, err = writer.Append([]byte("before"))
	require.NoError(t, err)

	replica, err := OpenLog(newStorage(t), writer.Key(), nil)
	require.NoError(t, err)

	a, _ := streamPair(t, true, replica)
	require.NoError(t, writer.Replicate(context.Background(), a, ReplicateOptions{Live: true}))

	require.Eventually(t, func() bool { return replica.Len() == 1 }, waitTimeout, 10*time.Millisecond)

	_, err = writer.Append([]byte("after"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return replica.Len() == 2 }, waitTimeout, 10*time.Millisecond)
	data, err := replica.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), data)

	select {
	case <-a.Done():
		t.Fatal("live stream closed")
	default:
	}
}

func TestReplicateClosedStream(t *testing.T) {
	writer, err := CreateLog(newStorage(t))
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	defer c2.Close()
	s := transport.NewStream(c1, transport.Options{}, transport.Handler{})
	s.Destroy(nil)

	assert.ErrorIs(t, writer.Replicate(context.Background(), s, ReplicateOptions{}), transport.ErrStreamClosed)
}
