package protocol

// Envelope wraps every extension message
type Envelope struct {
	ID      string          `json:"id" msgpack:"id"`
	Message []byte          `json:"message,omitempty" msgpack:"message,omitempty"`
	Error   *Error          `json:"error,omitempty" msgpack:"error,omitempty"`
	Options EnvelopeOptions `json:"options" msgpack:"options"`
}

// EnvelopeOptions flags an envelope as one-way or as a response
type EnvelopeOptions struct {
	Oneway bool `json:"oneway,omitempty" msgpack:"oneway,omitempty"`

	// Response marks replies so a reply whose request is gone is never
	// mistaken for a new inbound request.
	Response bool `json:"response,omitempty" msgpack:"response,omitempty"`
}

// remoteError returns the envelope error as a Go error, or nil
func (e *Envelope) remoteError() error {
	if e.Error == nil {
		return nil
	}
	return e.Error
}
