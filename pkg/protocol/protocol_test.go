package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

const waitTimeout = 3 * time.Second

func topicKey(t *testing.T) crypto.Key {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Public
}

func resolverFor(topic crypto.Key) Resolver {
	dk := crypto.MustDiscoveryKey(topic)
	return func(discoveryKey crypto.Key) (crypto.Key, error) {
		if discoveryKey.Equal(dk) {
			return topic, nil
		}
		return nil, errors.New("unknown topic")
	}
}

// connect attaches a as initiator of topic and b as responder
func connect(t *testing.T, a, b *Protocol, topic crypto.Key) {
	t.Helper()
	c1, c2 := net.Pipe()
	ctx := context.Background()

	require.NoError(t, a.Init(ctx, c1, topic))
	require.NoError(t, b.Init(ctx, c2, nil))

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
}

func waitReady(t *testing.T, ps ...*Protocol) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for _, p := range ps {
		require.NoError(t, p.WaitHandshake(ctx))
	}
}

func echoExtension(name string, opts ...ExtensionOption) *Extension {
	return NewExtension(name, opts...).SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		return msg, nil
	})
}

// readyPair builds two connected sessions with the given extensions
func readyPair(t *testing.T, aExts, bExts []*Extension, opts ...Option) (*Protocol, *Protocol) {
	t.Helper()
	topic := topicKey(t)

	a := NewProtocol(opts...)
	require.NoError(t, a.SetUserData(UserData{"name": "alice"}))
	require.NoError(t, a.SetExtensions(aExts...))

	b := NewProtocol(append(opts, WithDiscoveryToPublicKey(resolverFor(topic)))...)
	require.NoError(t, b.SetUserData(UserData{"name": "bob"}))
	require.NoError(t, b.SetExtensions(bExts...))

	connect(t, a, b, topic)
	waitReady(t, a, b)
	return a, b
}

func TestProtocolRequestResponse(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.Msgpack} {
		t.Run(c.Name(), func(t *testing.T) {
			aExt := echoExtension("echo")
			a, b := readyPair(t, []*Extension{aExt}, []*Extension{echoExtension("echo")}, WithCodec(c))

			resp, err := aExt.Send(context.Background(), []byte("ping"))
			require.NoError(t, err)
			assert.Equal(t, []byte("ping"), resp.Message)
			assert.Equal(t, "bob", resp.Context["name"])

			assert.Equal(t, "bob", a.Context()["name"])
			assert.Equal(t, "alice", b.Context()["name"])
			assert.Equal(t, StateReady, a.State())
			assert.True(t, a.DiscoveryKey().Equal(b.DiscoveryKey()))
			assert.True(t, a.Topic().Equal(b.Topic()))
			assert.Equal(t, b.ID(), a.RemoteID())

			stats := aExt.Stats()
			assert.Equal(t, int64(1), stats.Send)
			assert.Equal(t, int64(1), stats.Receive)
			assert.Equal(t, int64(0), stats.Error)
			assert.Equal(t, 0, aExt.Pending())
		})
	}
}

func TestProtocolRemoteError(t *testing.T) {
	aExt := NewExtension("auth")
	bExt := NewExtension("auth").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		return nil, NewError(CodeForbidden, "not a member")
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), []byte("let me in"))
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, ErrorCode(err))

	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "not a member", pe.Message)
}

func TestProtocolPlainHandlerError(t *testing.T) {
	aExt := NewExtension("x")
	bExt := NewExtension("x").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		return nil, errors.New("disk full")
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), []byte("write"))
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestProtocolHandlerPanic(t *testing.T) {
	aExt := NewExtension("x")
	bExt := NewExtension("x").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		panic("bad handler")
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), nil)
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestProtocolMissingHandler(t *testing.T) {
	var errs atomic.Int32
	aExt := NewExtension("x")
	bExt := NewExtension("x", WithEventHook(func(ev Event) {
		if ev.Type == EventError {
			errs.Add(1)
		}
	}))
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), []byte("anyone?"))
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.Equal(t, int32(1), errs.Load())
}

func TestProtocolTimeoutAndLateResponse(t *testing.T) {
	errs := make(chan Event, 4)
	aExt := NewExtension("slow",
		WithTimeout(200*time.Millisecond),
		WithEventHook(func(ev Event) {
			if ev.Type == EventError {
				errs <- ev
			}
		}),
	)
	bExt := NewExtension("slow").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		time.Sleep(300 * time.Millisecond)
		return []byte("finally"), nil
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), []byte("hurry"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-errs:
			assert.Equal(t, CodeTimeout, ErrorCode(ev.Err))
		case <-time.After(waitTimeout):
			t.Fatalf("missing error event %d", i+1)
		}
	}
	assert.Equal(t, int64(2), aExt.Stats().Error)
	assert.Equal(t, 0, aExt.Pending())
}

func TestProtocolLateResponseNotReported(t *testing.T) {
	aExt := NewExtension("slow", WithTimeout(200*time.Millisecond), WithReportLateResponses(false))
	bExt := NewExtension("slow").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		time.Sleep(300 * time.Millisecond)
		return nil, nil
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	_, err := aExt.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool { return aExt.Stats().Receive == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, int64(1), aExt.Stats().Error)
}

func TestProtocolOneway(t *testing.T) {
	got := make(chan []byte, 1)
	aExt := NewExtension("notify")
	bExt := NewExtension("notify").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		got <- msg
		return []byte("ignored"), nil
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	resp, err := aExt.Send(context.Background(), []byte("fyi"), Oneway())
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, aExt.Pending())

	select {
	case msg := <-got:
		assert.Equal(t, []byte("fyi"), msg)
	case <-time.After(waitTimeout):
		t.Fatal("one-way message not delivered")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), aExt.Stats().Receive, "one-way messages get no response")
	assert.Equal(t, int64(0), bExt.Stats().Send)
}

func TestProtocolHandlesMessagesInArrivalOrder(t *testing.T) {
	const n = 50
	var (
		mu       sync.Mutex
		order    []int
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	done := make(chan struct{})

	aExt := NewExtension("seq")
	bExt := NewExtension("seq").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}

		i := int(msg[0])
		time.Sleep(time.Duration((n-i)%7) * time.Millisecond)

		mu.Lock()
		order = append(order, i)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	for i := range n {
		_, err := aExt.Send(context.Background(), []byte{byte(i)}, Oneway())
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("messages not handled")
	}

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	assert.Equal(t, want, order)
	mu.Unlock()
	assert.Equal(t, int32(1), peak.Load(), "handlers of one extension never overlap")
}

func TestProtocolHandlerAwaitsOwnRequest(t *testing.T) {
	aExt := NewExtension("ask")
	var bExt *Extension
	aExt.SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		return append([]byte("a:"), msg...), nil
	})
	bExt = NewExtension("ask").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		res, err := bExt.Send(ctx, msg)
		if err != nil {
			return nil, err
		}
		return append([]byte("b:"), res.Message...), nil
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := aExt.Send(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b:a:x"), res.Message)
}

func TestProtocolOnewayFailureSendsNothing(t *testing.T) {
	handled := make(chan string, 2)
	aExt := NewExtension("notify")
	bExt := NewExtension("notify").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		handled <- string(msg)
		if string(msg) == "panic" {
			panic("boom")
		}
		return []byte("ignored"), NewError(CodeForbidden, "nope")
	})
	readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	for _, msg := range []string{"fail", "panic"} {
		_, err := aExt.Send(context.Background(), []byte(msg), Oneway())
		require.NoError(t, err)
		select {
		case got := <-handled:
			assert.Equal(t, msg, got)
		case <-time.After(waitTimeout):
			t.Fatalf("%s not delivered", msg)
		}
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, aExt.Pending())
	assert.Equal(t, 0, bExt.Pending())
	assert.Equal(t, int64(0), bExt.Stats().Send, "failed one-way handlers write no response")
	assert.Equal(t, int64(0), aExt.Stats().Receive)
	assert.Equal(t, int64(0), bExt.Stats().Error)
}

func TestProtocolHandshakeOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) HandshakeHandler {
		return func(ctx context.Context, p *Protocol) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	exts := []*Extension{
		NewExtension("first").SetHandshakeHandler(record("first")),
		NewExtension("second").SetHandshakeHandler(record("second")),
		NewExtension("third").SetHandshakeHandler(record("third")),
	}
	readyPair(t, exts, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestProtocolHandshakeFailure(t *testing.T) {
	var errs atomic.Int32
	var secondCalled atomic.Bool
	hook := WithEventHook(func(ev Event) {
		if ev.Type == EventError {
			errs.Add(1)
		}
	})

	topic := topicKey(t)
	a := NewProtocol()
	require.NoError(t, a.SetExtensions(
		NewExtension("gate", hook).SetHandshakeHandler(func(ctx context.Context, p *Protocol) error {
			return NewError(CodeUnauthorized, "unknown peer")
		}),
		NewExtension("after", hook).SetHandshakeHandler(func(ctx context.Context, p *Protocol) error {
			secondCalled.Store(true)
			return nil
		}),
	))
	b := NewProtocol(WithDiscoveryToPublicKey(resolverFor(topic)))
	connect(t, a, b, topic)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := a.WaitHandshake(ctx)
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))

	<-a.Done()
	assert.False(t, secondCalled.Load())
	assert.Equal(t, int32(0), errs.Load(), "handshake failures raise no error event")
	assert.Equal(t, StateClosed, a.State())
}

func TestProtocolCloseCancelsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var errs atomic.Int32
	aExt := NewExtension("hang", WithTimeout(100*time.Millisecond), WithEventHook(func(ev Event) {
		if ev.Type == EventError {
			errs.Add(1)
		}
	}))
	bExt := NewExtension("hang").SetMessageHandler(func(ctx context.Context, p *Protocol, msg []byte) ([]byte, error) {
		<-release
		return nil, nil
	})
	a, _ := readyPair(t, []*Extension{aExt}, []*Extension{bExt})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := aExt.Send(context.Background(), []byte("wait"))
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return aExt.Pending() == 2 }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, a.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(waitTimeout):
			t.Fatal("pending request not cancelled")
		}
	}

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), errs.Load(), "no timer fires after close")

	_, err := aExt.Send(context.Background(), []byte("after"))
	assert.Error(t, err)
}

func TestProtocolDuplicateExtension(t *testing.T) {
	p := NewProtocol()
	err := p.SetExtensions(NewExtension("x"), NewExtension("x"))
	assert.ErrorIs(t, err, ErrDuplicateExtension)

	require.NoError(t, p.SetExtensions(NewExtension("x")))
	err = p.SetExtensions(NewExtension("x"))
	assert.ErrorIs(t, err, ErrDuplicateExtension)

	assert.Error(t, p.SetExtensions(NewExtension("")))
	assert.NotNil(t, p.Extension("x"))
	assert.Nil(t, p.Extension("y"))
}

func TestProtocolUnknownExtension(t *testing.T) {
	aEcho := echoExtension("echo")
	aExtra := NewExtension("extra")

	topic := topicKey(t)
	a := NewProtocol()
	require.NoError(t, a.SetExtensions(aEcho, aExtra))
	b := NewProtocol(WithDiscoveryToPublicKey(resolverFor(topic)))
	require.NoError(t, b.SetExtensions(echoExtension("echo")))

	unknown := make(chan error, 1)
	b.OnError(func(p *Protocol, err error) { unknown <- err })

	connect(t, a, b, topic)
	waitReady(t, a, b)

	_, err := aExtra.Send(context.Background(), []byte("?"), Oneway())
	require.NoError(t, err)

	select {
	case err := <-unknown:
		assert.ErrorIs(t, err, ErrUnknownExtension)
	case <-time.After(waitTimeout):
		t.Fatal("unknown extension not reported")
	}

	resp, err := aEcho.Send(context.Background(), []byte("still there"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still there"), resp.Message)
}

func TestProtocolResolveFailureTimesOut(t *testing.T) {
	topic := topicKey(t)
	a := NewProtocol(WithHandshakeTimeout(150 * time.Millisecond))
	b := NewProtocol(
		WithHandshakeTimeout(time.Second),
		WithDiscoveryToPublicKey(func(crypto.Key) (crypto.Key, error) {
			return nil, errors.New("no such party")
		}),
	)
	connect(t, a, b, topic)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	assert.ErrorIs(t, a.WaitHandshake(ctx), transport.ErrHandshakeTimeout)
	assert.Error(t, b.WaitHandshake(ctx))
	assert.Nil(t, b.Topic())
}

func TestProtocolFeedHandler(t *testing.T) {
	feeds := make(chan crypto.Key, 4)
	bExt := NewExtension("feeds").SetFeedHandler(func(ctx context.Context, p *Protocol, dk crypto.Key) error {
		feeds <- dk
		return nil
	})
	a, _ := readyPair(t, []*Extension{NewExtension("feeds")}, []*Extension{bExt})

	extra := crypto.MustDiscoveryKey(topicKey(t))
	_, err := a.Stream().OpenChannel(extra)
	require.NoError(t, err)

	select {
	case dk := <-feeds:
		assert.True(t, dk.Equal(extra))
	case <-time.After(waitTimeout):
		t.Fatal("feed handler not called")
	}

	select {
	case dk := <-feeds:
		t.Fatalf("unexpected feed %s", dk.Short())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProtocolLifecycleErrors(t *testing.T) {
	ext := NewExtension("x")
	_, err := ext.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	p := NewProtocol()
	require.NoError(t, p.SetExtensions(ext))
	_, err = ext.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	c1, c2 := net.Pipe()
	defer c2.Close()
	go io.Copy(io.Discard, c2)
	require.NoError(t, p.Init(context.Background(), c1, topicKey(t)))
	defer p.Close()

	assert.ErrorIs(t, p.SetUserData(UserData{"late": true}), ErrAlreadyInitialized)
	assert.ErrorIs(t, p.SetExtensions(NewExtension("y")), ErrAlreadyInitialized)
	assert.ErrorIs(t, p.Init(context.Background(), c2, nil), ErrAlreadyInitialized)
	assert.Equal(t, StateChannelPending, p.State())
}

func TestProtocolContextCancelCloses(t *testing.T) {
	topic := topicKey(t)
	a := NewProtocol()
	c1, c2 := net.Pipe()
	defer c2.Close()
	go io.Copy(io.Discard, c2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Init(ctx, c1, topic))
	cancel()

	select {
	case <-a.Done():
	case <-time.After(waitTimeout):
		t.Fatal("protocol not closed on context cancel")
	}
	assert.Equal(t, StateClosed, a.State())
}
