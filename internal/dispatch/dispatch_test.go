package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlrt/ctrlrt/internal/shm"
)

func TestPoolSizesFloorsAtOne(t *testing.T) {
	bg, step := PoolSizes(1)
	assert.Equal(t, 1, bg)
	assert.Equal(t, 1, step)
}

func TestPoolSizesScalesWithCores(t *testing.T) {
	bg, step := PoolSizes(8)
	assert.Equal(t, 4, bg)
	assert.Equal(t, 7, step)
}

type echoExec struct{}

func (echoExec) Exec(ctx context.Context, op string, body json.RawMessage) (interface{}, error) {
	return map[string]string{"op": op}, nil
}

func TestDispatcherHandlesPingInline(t *testing.T) {
	ch := shm.NewLocalChannels(4)
	d := New(ch, echoExec{}, 2, nil, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, ch.Cmd.Send([]byte(`{"op":"ping","$rid":"r1"}`)))

	resp, err := ch.Resp.Recv(ctx)
	require.NoError(t, err)

	var env struct {
		Type string `json:"type"`
		Rid  string `json:"$rid"`
	}
	require.NoError(t, json.Unmarshal(resp, &env))
	assert.Equal(t, "ok", env.Type)
	assert.Equal(t, "r1", env.Rid)
}

func TestDispatcherRoutesUnknownOpsToExec(t *testing.T) {
	ch := shm.NewLocalChannels(4)
	d := New(ch, echoExec{}, 2, nil, nil, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, ch.Cmd.Send([]byte(`{"op":"tokens","$rid":"r2"}`)))

	resp, err := ch.Resp.Recv(ctx)
	require.NoError(t, err)

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp, &env))
	assert.Equal(t, "ok", env.Type)
	assert.JSONEq(t, `{"op":"tokens"}`, string(env.Data))
}
