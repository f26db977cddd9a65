package transport

import "github.com/ZentaChain/zentalk-replicator/pkg/crypto"

// HandshakeFrame is the first frame each side writes
type HandshakeFrame struct {
	ID       []byte   `json:"id" msgpack:"id"`
	Versions []string `json:"versions" msgpack:"versions"`
	UserData []byte   `json:"user_data,omitempty" msgpack:"user_data,omitempty"`
	Live     bool     `json:"live" msgpack:"live"`
}

// FeedFrame opens a channel bound to a discovery key
type FeedFrame struct {
	DiscoveryKey crypto.Key `json:"discovery_key" msgpack:"discovery_key"`
}

// ExtensionFrame carries a named extension payload on a channel
type ExtensionFrame struct {
	DiscoveryKey crypto.Key `json:"discovery_key" msgpack:"discovery_key"`
	Name         string     `json:"name" msgpack:"name"`
	Payload      []byte     `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// DataFrame carries feed replication traffic on a channel
type DataFrame struct {
	DiscoveryKey crypto.Key `json:"discovery_key" msgpack:"discovery_key"`
	Payload      []byte     `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// CloseFrame marks the sender as done with a channel
type CloseFrame struct {
	DiscoveryKey crypto.Key `json:"discovery_key" msgpack:"discovery_key"`
}
