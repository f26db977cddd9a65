package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
)

var (
	ErrReadOnly    = errors.New("feed is read-only")
	ErrOutOfOrder  = errors.New("block out of order")
	ErrKeyMismatch = errors.New("secret key does not match feed key")
)

// Log is a signed append-only log stored in Storage
type Log struct {
	store  *Storage
	key    crypto.Key
	secret ed25519.PrivateKey
	logger zerolog.Logger

	mu     sync.Mutex
	length uint64
	subs   map[int]chan struct{}
	nextID int

	readyOnce sync.Once
	readyErr  error
}

// OpenLog opens the feed with key. A nil secret opens a read-only replica.
func OpenLog(store *Storage, key crypto.Key, secret ed25519.PrivateKey) (*Log, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if secret != nil {
		kp, err := crypto.KeyPairFromSecret(secret)
		if err != nil {
			return nil, err
		}
		if !kp.Public.Equal(key) {
			return nil, ErrKeyMismatch
		}
	}

	length, err := store.Length(key)
	if err != nil {
		return nil, err
	}

	return &Log{
		store:  store,
		key:    key.Clone(),
		secret: secret,
		logger: logging.Logger("feed").With().Str("feed", key.Short()).Logger(),
		length: length,
		subs:   make(map[int]chan struct{}),
	}, nil
}

// CreateLog generates a fresh writable feed
func CreateLog(store *Storage) (*Log, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return OpenLog(store, kp.Public, kp.Secret)
}

func (l *Log) Key() crypto.Key {
	return l.key
}

// Writable reports whether this node holds the secret key
func (l *Log) Writable() bool {
	return l.secret != nil
}

// Ready verifies the head block once
func (l *Log) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.readyOnce.Do(func() {
		n := l.Len()
		if n == 0 {
			return
		}
		b, err := l.store.GetBlock(l.key, n-1)
		if err != nil {
			l.readyErr = err
			return
		}
		if err := verifyBlock(l.key, b); err != nil {
			l.readyErr = fmt.Errorf("head block %d: %w", b.Index, err)
		}
	})
	return l.readyErr
}

// Len returns the number of blocks
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Append signs and stores data as the next block
func (l *Log) Append(data []byte) (uint64, error) {
	if l.secret == nil {
		return 0, ErrReadOnly
	}

	l.mu.Lock()
	index := l.length
	b := &Block{
		Index:     index,
		Data:      bytes.Clone(data),
		Signature: ed25519.Sign(l.secret, signable(index, data)),
	}
	if err := l.store.PutBlock(l.key, b); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.length++
	l.notifyLocked()
	l.mu.Unlock()

	return index, nil
}

// Get returns the data of block index
func (l *Log) Get(index uint64) ([]byte, error) {
	b, err := l.Block(index)
	if err != nil {
		return nil, err
	}
	return b.Data, nil
}

// Block returns the signed block at index
func (l *Log) Block(index uint64) (*Block, error) {
	return l.store.GetBlock(l.key, index)
}

// put stores a replicated block. It returns false for blocks already held.
func (l *Log) put(b *Block) (bool, error) {
	if err := verifyBlock(l.key, b); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b.Index < l.length {
		return false, nil
	}
	if b.Index > l.length {
		return false, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, b.Index, l.length)
	}

	if err := l.store.PutBlock(l.key, b); err != nil {
		return false, err
	}
	l.length++
	l.notifyLocked()
	return true, nil
}

// subscribe signals on every append until cancelled
func (l *Log) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *Log) notifyLocked() {
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func signable(index uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, index)
	copy(buf[8:], data)
	return buf
}

func verifyBlock(key crypto.Key, b *Block) error {
	if b == nil || len(b.Data) == 0 {
		return fmt.Errorf("%w: empty block", crypto.ErrInvalidSignature)
	}
	return crypto.Verify(key, signable(b.Index, b.Data), b.Signature)
}
