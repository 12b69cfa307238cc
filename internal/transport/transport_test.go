package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	require.NoError(t, a.Send([]byte(`{"type":"ping"}`)))
	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(got))

	require.NoError(t, b.Send([]byte(`{"type":"pong"}`)))
	got, err = a.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong"}`, string(got))
}

func TestPipeCloseUnblocksBothSides(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		errCh <- err
	}()

	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
}

func TestPipeDrainsBufferedAfterClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Close())

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	_, err = b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}
