package errs

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverflow(t *testing.T) {
	err := Overflow("10.0.0.1:443", 1024)
	require.NotNil(t, err)
	assert.Equal(t, EndpointOverflow, err.Kind)
	assert.Equal(t, "10.0.0.1:443", err.Remote)
	assert.Contains(t, err.Error(), "endpoint_overflow")
	assert.Contains(t, err.Error(), "10.0.0.1:443")
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := New(TransportIo, "", inner)
	assert.ErrorIs(t, err, inner)
}

func TestClassifyConnectionLost(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"closed network connection", net.ErrClosed, ConnectionLost},
		{"broken pipe message", errors.New("write: broken pipe"), ConnectionLost},
		{"connection reset message", errors.New("read: connection reset by peer"), ConnectionLost},
		{"tls handshake message", errors.New("tls: handshake failure"), TlsError},
		{"unrecognized io error", errors.New("short read"), TransportIo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
}
