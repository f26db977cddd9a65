// Package protocol implements the extension RPC layer of the replicator.
//
// A Protocol owns one duplex connection. It announces an identity and a
// user data map, opens the shared channel named by the discovery key of its
// topic, and routes messages for named extensions over that channel.
//
// # Session Lifecycle
//
// A session moves through the following states:
//   - created: extensions and user data may be configured
//   - channel-pending: the connection is attached, waiting for the shared channel
//   - handshaking: extension handshake handlers run in registration order
//   - ready: requests may be sent, feed handlers are called for new channels
//   - closed: every pending request was rejected with ErrCancelled
//
// The side that does not know the topic (the responder) resolves the remote
// discovery key with the function given to WithDiscoveryToPublicKey. When
// resolution fails the session is left idle and the transport handshake
// timeout ends it.
//
// # Extensions
//
// Every message is wrapped in an Envelope carrying a request id and flags:
//   - oneway: the receiver never answers and the sender keeps no state
//   - response: the envelope answers an earlier request
//
// Requests wait up to the extension timeout (2s by default). A timed out
// request fails with a 408 error; a response arriving later is dropped and,
// unless disabled with WithReportLateResponses(false), reported as a second
// 408 error event. Handler errors travel back as typed errors carrying an
// HTTP-like code; handlers that return plain errors answer with 500.
//
// # Usage Example
//
//	ext := protocol.NewExtension("echo").
//	    SetMessageHandler(func(ctx context.Context, p *protocol.Protocol, msg []byte) ([]byte, error) {
//	        return msg, nil
//	    })
//
//	p := protocol.NewProtocol(protocol.WithLive(true))
//	p.SetUserData(protocol.UserData{"name": "alice"})
//	p.SetExtensions(ext)
//	p.Init(ctx, conn, topic)
//
//	if err := p.WaitHandshake(ctx); err != nil {
//	    return err
//	}
//	resp, err := ext.Send(ctx, []byte("ping"))
package protocol
