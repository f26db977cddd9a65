package party

import (
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/protocol"
)

// ExtensionName is the reserved extension carrying party messages
const ExtensionName = "party"

type messageType string

const (
	typeIntroduceFeeds messageType = "introduce-feeds"
	typeRequest        messageType = "request"
	typeEphemeral      messageType = "ephemeral"
)

// Message is one of IntroduceFeeds, Request or EphemeralMessage
type Message interface {
	messageType() messageType
}

// IntroduceFeeds offers feed keys to the remote side, or answers such an offer
type IntroduceFeeds struct {
	Keys []crypto.Key `json:"keys" msgpack:"keys"`
}

// Request is an application request answered by Rules.OnRequest
type Request struct {
	Type  string `json:"type" msgpack:"type"`
	Value []byte `json:"value,omitempty" msgpack:"value,omitempty"`
}

// EphemeralMessage is delivered to Rules.OnEphemeralMessage and never answered
type EphemeralMessage struct {
	Type  string `json:"type" msgpack:"type"`
	Value []byte `json:"value,omitempty" msgpack:"value,omitempty"`
}

func (IntroduceFeeds) messageType() messageType   { return typeIntroduceFeeds }
func (Request) messageType() messageType          { return typeRequest }
func (EphemeralMessage) messageType() messageType { return typeEphemeral }

// partyEnvelope frames every message on the party extension. Return marks
// the answer to a transaction with the same ID.
type partyEnvelope struct {
	Type   messageType     `json:"type" msgpack:"type"`
	ID     string          `json:"id" msgpack:"id"`
	Return bool            `json:"return,omitempty" msgpack:"return,omitempty"`
	Data   []byte          `json:"data,omitempty" msgpack:"data,omitempty"`
	Error  *protocol.Error `json:"error,omitempty" msgpack:"error,omitempty"`
}

// normalize returns a copy with canonical, de-duplicated keys
func (m IntroduceFeeds) normalize() (IntroduceFeeds, error) {
	keys, err := crypto.NormalizeKeys(m.Keys)
	if err != nil {
		return IntroduceFeeds{}, err
	}
	return IntroduceFeeds{Keys: keys}, nil
}
