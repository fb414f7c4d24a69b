package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSendRecvRoundTrip(t *testing.T) {
	l := NewLocal(4)
	require.NoError(t, l.Send([]byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := l.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLocalRecvContextCancelled(t *testing.T) {
	l := NewLocal(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalCloseIsIdempotentAndUnblocksRecv(t *testing.T) {
	l := NewLocal(1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, l.Send([]byte("x")), ErrClosed)
}

func TestLocalSendCopiesBuffer(t *testing.T) {
	l := NewLocal(1)
	buf := []byte("mutate-me")
	require.NoError(t, l.Send(buf))
	buf[0] = 'X'

	got, err := l.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mutate-me", string(got))
}

func TestNewLocalChannelsAllFourDirectionsIndependent(t *testing.T) {
	ch := NewLocalChannels(2)
	require.NoError(t, ch.Cmd.Send([]byte("cmd")))
	require.NoError(t, ch.Resp.Send([]byte("resp")))

	got, err := ch.Cmd.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cmd", string(got))

	got, err = ch.Resp.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resp", string(got))

	require.NoError(t, ch.Close())
}
