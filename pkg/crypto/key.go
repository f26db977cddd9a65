package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// KeySize is the length of topic, feed and discovery keys
const KeySize = 32

// Key is a canonical 32-byte public key. Its text form is lowercase hex.
type Key []byte

// ParseKey decodes a hex key
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := Key(raw)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Validate reports whether the key has the canonical length
func (k Key) Validate() error {
	if len(k) != KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(k))
	}
	return nil
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}

// Short returns the first 8 hex characters, for logs
func (k Key) Short() string {
	s := k.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Equal compares two keys byte-wise
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Clone returns an independent copy
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// NormalizeKeys validates, copies and de-duplicates keys, keeping first-seen order
func NormalizeKeys(keys []Key) ([]Key, error) {
	seen := make(map[string]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		id := string(k)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, k.Clone())
	}
	return out, nil
}

// SortKeys orders keys byte-wise in place
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
}
