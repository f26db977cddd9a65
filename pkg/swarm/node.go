// Package swarm connects party members over libp2p.
//
// A Node runs a libp2p host with a Kademlia DHT. Parties are announced under
// their discovery key; every stream opened with ProtocolID carries one
// party connection.
package swarm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/metrics"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/protocol"
)

// ProtocolID is the libp2p protocol of party streams
const ProtocolID = p2pprotocol.ID("/zentalk/party/1.0.0")

const (
	namespacePrefix          = "zentalk/party/"
	defaultDiscoveryInterval = 30 * time.Second
)

var (
	ErrAlreadyBootstrapped = errors.New("already bootstrapped")
	ErrNoBootstrapPeers    = errors.New("failed to connect to any bootstrap peers")
	ErrNodeClosed          = errors.New("node closed")
)

// PeerInfo contains information about a connected libp2p peer
type PeerInfo struct {
	ID        peer.ID
	Addresses []multiaddr.Multiaddr
	LastSeen  time.Time
	Active    bool
}

// NodeConfig contains configuration for creating a Node
type NodeConfig struct {
	Port int
	// ListenAddrs overrides the default 0.0.0.0 TCP listener on Port
	ListenAddrs    []string
	BootstrapPeers []string
	PrivateKey     p2pcrypto.PrivKey // generated when nil
	EnableNAT      bool

	// DiscoveryInterval is how often joined parties look for new members
	DiscoveryInterval time.Duration

	// ReplicateOptions apply to every party connection the node opens or accepts
	ReplicateOptions []party.ReplicateOption

	Logger *zerolog.Logger
}

// Node is a libp2p host serving the parties of a Manager
type Node struct {
	host      host.Host
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
	manager   *party.Manager
	config    NodeConfig
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	mu           sync.RWMutex
	peers        map[peer.ID]*PeerInfo
	conns        map[connKey]*protocol.Protocol
	joined       map[string]context.CancelFunc
	bootstrapped bool
}

// connKey identifies the single outgoing connection allowed per peer and party
type connKey struct {
	peer  peer.ID
	party string
}

// NewNode creates a host and DHT and registers the party stream handler
func NewNode(ctx context.Context, config *NodeConfig, manager *party.Manager) (*Node, error) {
	cfg := *config
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)}
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableNATService())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	logger := logging.Logger("swarm")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:      h,
		dht:       kad,
		discovery: drouting.NewRoutingDiscovery(kad),
		manager:   manager,
		config:    cfg,
		logger:    logger.With().Str("peer_id", h.ID().String()).Logger(),
		ctx:       nodeCtx,
		cancel:    cancel,
		peers:     make(map[peer.ID]*PeerInfo),
		conns:     make(map[connKey]*protocol.Protocol),
		joined:    make(map[string]context.CancelFunc),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)

	if len(cfg.BootstrapPeers) > 0 {
		if err := n.Bootstrap(cfg.BootstrapPeers); err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}

	n.spawn(n.monitorPeers)

	n.logger.Info().Strs("listen", listen).Msg("swarm node started")
	return n, nil
}

// Bootstrap connects to bootstrap peers and joins the DHT network
func (n *Node) Bootstrap(bootstrapPeers []string) error {
	n.mu.Lock()
	if n.bootstrapped {
		n.mu.Unlock()
		return ErrAlreadyBootstrapped
	}
	n.mu.Unlock()

	var connected int
	for _, addr := range bootstrapPeers {
		if err := n.Connect(n.ctx, addr); err != nil {
			n.logger.Warn().Err(err).Str("addr", addr).Msg("bootstrap peer unreachable")
			continue
		}
		connected++
	}
	if connected == 0 {
		return ErrNoBootstrapPeers
	}

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	n.mu.Lock()
	n.bootstrapped = true
	n.mu.Unlock()

	n.logger.Info().Int("peers", connected).Msg("bootstrapped")
	return nil
}

// Connect dials a peer given its full /p2p multiaddr
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	maddr, err := multiaddr.NewMultiaddr(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info: %w", err)
	}

	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	n.mu.Lock()
	n.peers[info.ID] = &PeerInfo{
		ID:        info.ID,
		Addresses: info.Addrs,
		LastSeen:  time.Now(),
		Active:    true,
	}
	n.mu.Unlock()
	return nil
}

// Join announces p under its discovery key and keeps connecting to the
// members found there until Leave or Close.
func (n *Node) Join(p *party.Party) error {
	ns := namespace(p)

	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	if _, ok := n.joined[ns]; ok {
		n.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.joined[ns] = cancel
	n.wg.Add(1)
	n.mu.Unlock()

	go n.discover(ctx, p, ns)

	n.logger.Info().Str("party", p.DiscoveryKey().Short()).Msg("joined party")
	return nil
}

// Leave stops announcing and discovering p. Open connections stay up.
func (n *Node) Leave(p *party.Party) {
	ns := namespace(p)

	n.mu.Lock()
	cancel, ok := n.joined[ns]
	delete(n.joined, ns)
	n.mu.Unlock()

	if ok {
		cancel()
	}
}

// Joined lists the discovery namespaces currently announced
func (n *Node) Joined() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.joined))
	for ns := range n.joined {
		out = append(out, ns)
	}
	return out
}

func (n *Node) discover(ctx context.Context, p *party.Party, ns string) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		n.advertise(ctx, ns)
		n.findMembers(ctx, p, ns)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) advertise(ctx context.Context, ns string) {
	if len(n.host.Network().Peers()) == 0 {
		return
	}
	if _, err := n.discovery.Advertise(ctx, ns); err != nil {
		n.logger.Debug().Err(err).Str("namespace", ns).Msg("advertise failed")
	}
}

func (n *Node) findMembers(ctx context.Context, p *party.Party, ns string) {
	if len(n.host.Network().Peers()) == 0 {
		return
	}

	found, err := n.discovery.FindPeers(ctx, ns)
	if err != nil {
		n.logger.Debug().Err(err).Str("namespace", ns).Msg("find peers failed")
		return
	}

	for info := range found {
		if info.ID == n.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
		if _, err := n.ReplicateWith(ctx, info.ID, p); err != nil {
			n.logger.Debug().Err(err).Str("remote", info.ID.String()).Msg("failed to reach party member")
		}
	}
}

// ReplicateWith opens a party connection to peerID. An open connection for
// the same peer and party is reused.
func (n *Node) ReplicateWith(ctx context.Context, peerID peer.ID, p *party.Party) (*protocol.Protocol, error) {
	key := connKey{peer: peerID, party: p.DiscoveryKey().String()}

	n.mu.RLock()
	existing, ok := n.conns[key]
	n.mu.RUnlock()
	if ok {
		return existing, nil
	}

	s, err := n.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		metrics.RecordSwarmStream("outbound", err)
		return nil, fmt.Errorf("failed to open stream to %s: %w", peerID, err)
	}

	n.mu.Lock()
	if existing, ok := n.conns[key]; ok {
		n.mu.Unlock()
		s.Reset()
		return existing, nil
	}
	proto, err := p.Replicate(n.ctx, s, n.config.ReplicateOptions...)
	if err != nil {
		n.mu.Unlock()
		s.Reset()
		metrics.RecordSwarmStream("outbound", err)
		return nil, err
	}
	n.conns[key] = proto
	n.mu.Unlock()

	metrics.RecordSwarmStream("outbound", nil)
	n.logger.Debug().Str("remote", peerID.String()).Str("party", p.DiscoveryKey().Short()).Msg("party stream opened")

	if !n.spawn(func() { n.untrack(key, proto) }) {
		proto.Close()
	}
	return proto, nil
}

func (n *Node) untrack(key connKey, proto *protocol.Protocol) {
	select {
	case <-proto.Done():
	case <-n.ctx.Done():
		proto.Close()
		<-proto.Done()
	}

	n.mu.Lock()
	if n.conns[key] == proto {
		delete(n.conns, key)
	}
	n.mu.Unlock()
}

func (n *Node) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()

	proto, err := n.manager.Accept(n.ctx, s, n.config.ReplicateOptions...)
	metrics.RecordSwarmStream("inbound", err)
	if err != nil {
		n.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to accept party stream")
		s.Reset()
		return
	}

	ok := n.spawn(func() {
		select {
		case <-proto.Done():
		case <-n.ctx.Done():
			proto.Close()
		}
	})
	if !ok {
		proto.Close()
	}
}

// spawn runs fn in a goroutine Close waits for. It refuses once the node is closing.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Connections returns the number of outgoing party connections
func (n *Node) Connections() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.conns)
}

// ID returns the node's peer ID
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addresses returns the node's listen addresses
func (n *Node) Addresses() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// FullAddresses returns the listen addresses with the /p2p component, as accepted by Connect
func (n *Node) FullAddresses() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (n *Node) Host() host.Host {
	return n.host
}

// GetPeers returns a copy of the known peers
func (n *Node) GetPeers() map[peer.ID]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[peer.ID]*PeerInfo, len(n.peers))
	for id, info := range n.peers {
		cp := *info
		peers[id] = &cp
	}
	return peers
}

func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

func (n *Node) IsBootstrapped() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bootstrapped
}

// NodeInfo is a snapshot of the node for status reporting
type NodeInfo struct {
	ID           string   `json:"id"`
	Addresses    []string `json:"addresses"`
	PeerCount    int      `json:"peer_count"`
	Connections  int      `json:"connections"`
	Joined       int      `json:"joined"`
	Bootstrapped bool     `json:"bootstrapped"`
}

func (n *Node) Info() NodeInfo {
	return NodeInfo{
		ID:           n.host.ID().String(),
		Addresses:    n.FullAddresses(),
		PeerCount:    n.PeerCount(),
		Connections:  n.Connections(),
		Joined:       len(n.Joined()),
		Bootstrapped: n.IsBootstrapped(),
	}
}

// monitorPeers periodically refreshes peer connectivity
func (n *Node) monitorPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkPeerHealth()
		}
	}
}

func (n *Node) checkPeerHealth() {
	n.mu.Lock()
	defer n.mu.Unlock()

	active := make(map[peer.ID]bool)
	for _, id := range n.host.Network().Peers() {
		active[id] = true
		if info, ok := n.peers[id]; ok {
			info.LastSeen = time.Now()
			info.Active = true
			continue
		}
		n.peers[id] = &PeerInfo{
			ID:        id,
			Addresses: n.host.Peerstore().Addrs(id),
			LastSeen:  time.Now(),
			Active:    true,
		}
	}

	for id, info := range n.peers {
		if !active[id] {
			info.Active = false
		}
	}
}

// Close stops discovery, closes every party connection and shuts the host down
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.host.RemoveStreamHandler(ProtocolID)

		n.mu.Lock()
		n.cancel()
		n.mu.Unlock()
		n.wg.Wait()

		var errs []error
		if err := n.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dht: %w", err))
		}
		if err := n.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close host: %w", err))
		}
		n.closeErr = errors.Join(errs...)

		n.logger.Info().Msg("swarm node stopped")
	})
	return n.closeErr
}

func namespace(p *party.Party) string {
	return namespacePrefix + p.DiscoveryKey().String()
}
