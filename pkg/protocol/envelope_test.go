package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
)

func TestEnvelopeCodecs(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.Msgpack} {
		t.Run(c.Name(), func(t *testing.T) {
			env := &Envelope{
				ID:      "req-1",
				Message: []byte("hello"),
				Error:   NewError(CodeForbidden, "no access"),
				Options: EnvelopeOptions{Response: true},
			}

			data, err := c.Encode(env)
			require.NoError(t, err)

			var decoded Envelope
			require.NoError(t, c.Decode(data, &decoded))
			assert.Equal(t, env.ID, decoded.ID)
			assert.Equal(t, env.Message, decoded.Message)
			assert.True(t, decoded.Options.Response)
			assert.False(t, decoded.Options.Oneway)

			err = decoded.remoteError()
			require.Error(t, err)
			assert.Equal(t, CodeForbidden, ErrorCode(err))
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelopes := map[string]*Envelope{
		"message":  {ID: "req-1", Message: []byte("hello")},
		"response": {ID: "req-1", Message: []byte("world"), Options: EnvelopeOptions{Response: true}},
		"error":    {ID: "req-2", Error: NewError(CodeNotFound, "missing"), Options: EnvelopeOptions{Response: true}},
		"oneway":   {ID: "note-1", Message: []byte("fyi"), Options: EnvelopeOptions{Oneway: true}},
	}

	for _, c := range []codec.Codec{codec.JSON, codec.Msgpack} {
		for name, env := range envelopes {
			t.Run(c.Name()+"/"+name, func(t *testing.T) {
				data, err := c.Encode(env)
				require.NoError(t, err)

				var decoded Envelope
				require.NoError(t, c.Decode(data, &decoded))
				assert.Equal(t, env, &decoded)
			})
		}
	}
}

func TestEnvelopeWithoutError(t *testing.T) {
	env := &Envelope{ID: "x"}
	assert.NoError(t, env.remoteError())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, 0, ErrorCode(nil))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Equal(t, CodeTimeout, ErrorCode(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.Equal(t, CodeForbidden, ErrorCode(NewError(CodeForbidden, "no")))

	assert.True(t, errors.Is(NewError(CodeTimeout, "late"), ErrTimeout))
	assert.False(t, errors.Is(NewError(CodeInternal, "x"), ErrTimeout))

	assert.Equal(t, "no", errorMessage(NewError(CodeForbidden, "no")))
	assert.Equal(t, "boom", errorMessage(errors.New("boom")))
}
