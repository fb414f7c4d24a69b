package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekRequest(t *testing.T) {
	op, rid, ok := PeekRequest([]byte(`{"op":"ping","$rid":"abc123"}`))
	require.True(t, ok)
	assert.Equal(t, "ping", op)
	assert.Equal(t, "abc123", rid)
}

func TestPeekRequestMalformed(t *testing.T) {
	_, _, ok := PeekRequest([]byte(`{not json`))
	assert.False(t, ok)
}

func TestOkEnvelopeRoundTripsRid(t *testing.T) {
	env := OkEnvelope("r1", map[string]int{"pong": 1})
	assert.Equal(t, "ok", env.Type)
	assert.Equal(t, "r1", env.Rid)
	assert.JSONEq(t, `{"pong":1}`, string(env.Data))
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("r2", &RegistryError{Msg: "unknown module_id"})
	assert.Equal(t, "error", env.Type)
	assert.Equal(t, "unknown module_id", env.Error)
	assert.Equal(t, "r2", env.Rid)
}
