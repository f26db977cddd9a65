package party

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/protocol"
)

var (
	ErrUnknownRules   = errors.New("unknown rules")
	ErrDuplicateRules = errors.New("rules already registered")
	ErrUnknownParty   = errors.New("unknown party")
)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithPartyOptions applies opts to every party and accepted connection
func WithPartyOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.partyOpts = append(m.partyOpts, opts...) }
}

// WithManagerLogger sets the manager logger
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// Manager is the registry of rules and parties on a node
type Manager struct {
	store     Store
	partyOpts []Option
	logger    zerolog.Logger

	mu      sync.RWMutex
	rules   map[string]*Rules
	parties map[string]*Party
	onParty []func(*Party)
}

// NewManager creates a registry persisting parties in store. A nil store keeps them in memory.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:   store,
		rules:   make(map[string]*Rules),
		parties: make(map[string]*Party),
	}
	m.logger = newConnConfig(nil).logger.With().Str("role", "manager").Logger()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterRules validates and registers rules under their name
func (m *Manager) RegisterRules(rules Rules) error {
	if rules.Name == "" {
		return fmt.Errorf("%w: rules need a name", ErrInvalidRules)
	}
	r, err := rules.withDefaults()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRules, r.Name)
	}
	m.rules[r.Name] = r
	return nil
}

// RulesNames lists the registered rules
func (m *Manager) RulesNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// OnParty registers a callback for every party created or loaded
func (m *Manager) OnParty(fn func(*Party)) {
	m.mu.Lock()
	m.onParty = append(m.onParty, fn)
	m.mu.Unlock()
}

// CreateParty creates and persists a party for key governed by the named rules.
// Creating an existing party returns it.
func (m *Manager) CreateParty(ctx context.Context, key crypto.Key, rulesName string) (*Party, error) {
	p, created, err := m.addParty(key, rulesName)
	if err != nil {
		return nil, err
	}
	if !created {
		return p, nil
	}

	rec := Record{Key: p.Key(), DiscoveryKey: p.DiscoveryKey(), Rules: rulesName, CreatedAt: p.CreatedAt()}
	if err := m.store.Save(ctx, rec); err != nil {
		m.mu.Lock()
		delete(m.parties, p.DiscoveryKey().String())
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info().Str("party", p.DiscoveryKey().Short()).Str("rules", rulesName).Msg("party created")
	m.notify(p)
	return p, nil
}

func (m *Manager) addParty(key crypto.Key, rulesName string) (*Party, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules, ok := m.rules[rulesName]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownRules, rulesName)
	}

	dk, err := crypto.DiscoveryKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("invalid party key: %w", err)
	}
	if existing, ok := m.parties[dk.String()]; ok {
		if existing.Rules().Name != rulesName {
			return nil, false, fmt.Errorf("party %s already uses rules %q", dk.Short(), existing.Rules().Name)
		}
		return existing, false, nil
	}

	p, err := NewParty(key, rules, m.partyOpts...)
	if err != nil {
		return nil, false, err
	}
	m.parties[dk.String()] = p
	return p, true, nil
}

// RemoveParty forgets a party and deletes its record. Open connections are left running.
func (m *Manager) RemoveParty(ctx context.Context, discoveryKey crypto.Key) error {
	m.mu.Lock()
	_, ok := m.parties[discoveryKey.String()]
	delete(m.parties, discoveryKey.String())
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParty, discoveryKey.Short())
	}
	return m.store.Delete(ctx, discoveryKey)
}

// Party looks a party up by discovery key
func (m *Manager) Party(discoveryKey crypto.Key) (*Party, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[discoveryKey.String()]
	return p, ok
}

// Parties returns every party, oldest first
func (m *Manager) Parties() []*Party {
	m.mu.RLock()
	parties := make([]*Party, 0, len(m.parties))
	for _, p := range m.parties {
		parties = append(parties, p)
	}
	m.mu.RUnlock()

	sort.Slice(parties, func(i, j int) bool {
		if !parties[i].CreatedAt().Equal(parties[j].CreatedAt()) {
			return parties[i].CreatedAt().Before(parties[j].CreatedAt())
		}
		return parties[i].DiscoveryKey().String() < parties[j].DiscoveryKey().String()
	})
	return parties
}

// DiscoveryToPublicKey resolves the topic of a known party
func (m *Manager) DiscoveryToPublicKey(discoveryKey crypto.Key) (crypto.Key, error) {
	p, ok := m.Party(discoveryKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParty, discoveryKey.Short())
	}
	return p.Key(), nil
}

// Accept serves an inbound connection for whichever known party the remote
// names. The connection lives until ctx is cancelled or it is closed.
func (m *Manager) Accept(ctx context.Context, rwc io.ReadWriteCloser, opts ...ReplicateOption) (*protocol.Protocol, error) {
	s := newSession(newConnConfig(m.partyOpts), ReplicateOptions{}, nil)

	resolve := func(discoveryKey crypto.Key) (crypto.Key, error) {
		p, ok := m.Party(discoveryKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParty, discoveryKey.Short())
		}
		rc := replicateConfig{opts: p.Rules().ReplicateOptions}
		for _, opt := range opts {
			opt(&rc)
		}
		s.rcfg.opts = rc.opts
		s.bind(p)
		return p.Key(), nil
	}

	// the live flag of the handshake frame is fixed before the party is known
	for _, opt := range opts {
		opt(&s.rcfg)
	}

	proto, err := s.protocol(resolve)
	if err != nil {
		return nil, err
	}
	if err := proto.Init(ctx, rwc, nil); err != nil {
		return nil, err
	}
	return proto, nil
}

// LoadParties recreates the parties of every stored record. Records whose
// rules are not registered are skipped with a warning.
func (m *Manager) LoadParties(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		p, created, err := m.addParty(rec.Key, rec.Rules)
		if errors.Is(err, ErrUnknownRules) {
			m.logger.Warn().Str("party", rec.DiscoveryKey.Short()).Str("rules", rec.Rules).Msg("skipping party with unknown rules")
			continue
		}
		if err != nil {
			return err
		}
		if created {
			p.createdAt = rec.CreatedAt
			m.notify(p)
		}
	}

	m.logger.Info().Int("parties", len(m.Parties())).Msg("parties loaded")
	return nil
}

func (m *Manager) notify(p *Party) {
	m.mu.RLock()
	hooks := slices.Clone(m.onParty)
	m.mu.RUnlock()

	for _, fn := range hooks {
		fn(p)
	}
}

// PartyInfo is a snapshot of a party for status reporting
type PartyInfo struct {
	Key          crypto.Key `json:"key"`
	DiscoveryKey crypto.Key `json:"discovery_key"`
	Rules        string     `json:"rules"`
	Peers        int        `json:"peers"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (p *Party) Info() PartyInfo {
	p.mu.RLock()
	n := len(p.peers)
	p.mu.RUnlock()

	return PartyInfo{
		Key:          p.key,
		DiscoveryKey: p.discoveryKey,
		Rules:        p.rules.Name,
		Peers:        n,
		CreatedAt:    p.createdAt,
	}
}
