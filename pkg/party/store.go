package party

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
)

// Record is the persisted form of a party
type Record struct {
	Key          crypto.Key `json:"key"`
	DiscoveryKey crypto.Key `json:"discovery_key"`
	Rules        string     `json:"rules"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Store persists party records
type Store interface {
	Save(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, discoveryKey crypto.Key) error
}

// SQLiteStore keeps party records in the parties table
type SQLiteStore struct {
	db *storage.DB
}

func NewSQLiteStore(db *storage.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save inserts or replaces a record
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	query := `INSERT OR REPLACE INTO parties (discovery_key, key, rules, created_at) VALUES (?, ?, ?, ?)`

	_, err := s.db.SQL().ExecContext(ctx, query, rec.DiscoveryKey.String(), rec.Key.String(), rec.Rules, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save party: %w", err)
	}
	return nil
}

// List returns every record, oldest first
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	query := `SELECT key, rules, created_at FROM parties ORDER BY created_at, discovery_key`

	rows, err := s.db.SQL().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var hexKey, rules string
		var createdAt int64
		if err := rows.Scan(&hexKey, &rules, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}

		key, err := crypto.ParseKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("corrupt party key %q: %w", hexKey, err)
		}
		dk, err := crypto.DiscoveryKey(key)
		if err != nil {
			return nil, err
		}

		records = append(records, Record{
			Key:          key,
			DiscoveryKey: dk,
			Rules:        rules,
			CreatedAt:    time.Unix(createdAt, 0),
		})
	}

	return records, rows.Err()
}

// Delete removes the record of a party
func (s *SQLiteStore) Delete(ctx context.Context, discoveryKey crypto.Key) error {
	result, err := s.db.SQL().ExecContext(ctx, `DELETE FROM parties WHERE discovery_key = ?`, discoveryKey.String())
	if err != nil {
		return fmt.Errorf("failed to delete party: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: party %s", storage.ErrNotFound, discoveryKey.Short())
	}
	return nil
}

// MemoryStore keeps records in memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DiscoveryKey.String()] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].DiscoveryKey.String() < records[j].DiscoveryKey.String()
	})
	return records, nil
}

func (s *MemoryStore) Delete(_ context.Context, discoveryKey crypto.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := discoveryKey.String()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: party %s", storage.ErrNotFound, discoveryKey.Short())
	}
	delete(s.records, id)
	return nil
}
