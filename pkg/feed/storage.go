package feed

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/storage"
)

// Block is one signed entry of a feed
type Block struct {
	Index     uint64 `json:"index" msgpack:"index"`
	Data      []byte `json:"data" msgpack:"data"`
	Signature []byte `json:"signature" msgpack:"signature"`
}

// FeedInfo summarizes one stored feed
type FeedInfo struct {
	Key    crypto.Key `json:"key"`
	Length uint64     `json:"length"`
	Size   int64      `json:"size"`
}

// Storage keeps the blocks of every feed on a node
type Storage struct {
	db *storage.DB
}

// NewStorage uses the blocks table of db
func NewStorage(db *storage.DB) *Storage {
	return &Storage{db: db}
}

// PutBlock stores a block, replacing any block at the same index
func (s *Storage) PutBlock(key crypto.Key, b *Block) error {
	if len(b.Data) == 0 {
		return fmt.Errorf("cannot store empty block")
	}

	query := `INSERT OR REPLACE INTO blocks (feed_key, idx, data, signature, stored_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.SQL().Exec(query, key.String(), int64(b.Index), b.Data, b.Signature, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}

	return nil
}

// GetBlock retrieves one block
func (s *Storage) GetBlock(key crypto.Key, index uint64) (*Block, error) {
	query := `SELECT data, signature FROM blocks WHERE feed_key = ? AND idx = ?`

	b := &Block{Index: index}
	err := s.db.SQL().QueryRow(query, key.String(), int64(index)).Scan(&b.Data, &b.Signature)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: feed=%s block=%d", storage.ErrNotFound, key.Short(), index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve block: %w", err)
	}

	return b, nil
}

// Length returns the number of contiguous blocks stored for a feed
func (s *Storage) Length(key crypto.Key) (uint64, error) {
	query := `SELECT COUNT(*) FROM blocks WHERE feed_key = ?`

	var count int64
	if err := s.db.SQL().QueryRow(query, key.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get feed length: %w", err)
	}

	return uint64(count), nil
}

// Range returns blocks [from, to) in order
func (s *Storage) Range(key crypto.Key, from, to uint64) ([]*Block, error) {
	query := `SELECT idx, data, signature FROM blocks WHERE feed_key = ? AND idx >= ? AND idx < ? ORDER BY idx`

	rows, err := s.db.SQL().Query(query, key.String(), int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		var idx int64
		b := &Block{}
		if err := rows.Scan(&idx, &b.Data, &b.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		b.Index = uint64(idx)
		blocks = append(blocks, b)
	}

	return blocks, rows.Err()
}

// Feeds lists every feed with at least one block
func (s *Storage) Feeds() ([]FeedInfo, error) {
	query := `SELECT feed_key, COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM blocks GROUP BY feed_key ORDER BY feed_key`

	rows, err := s.db.SQL().Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []FeedInfo
	for rows.Next() {
		var hexKey string
		var count, size int64
		if err := rows.Scan(&hexKey, &count, &size); err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		key, err := crypto.ParseKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("corrupt feed key %q: %w", hexKey, err)
		}
		feeds = append(feeds, FeedInfo{Key: key, Length: uint64(count), Size: size})
	}

	return feeds, rows.Err()
}

// DeleteFeed removes every block of a feed
func (s *Storage) DeleteFeed(key crypto.Key) error {
	if _, err := s.db.SQL().Exec(`DELETE FROM blocks WHERE feed_key = ?`, key.String()); err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	return nil
}
