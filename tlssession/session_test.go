package tlssession

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHost wires a Session's outgoing ciphertext straight into a peer
// Session's Unwrap, standing in for the Endpoint<->socket<->Endpoint path a
// real connection would take. Invoke runs fn synchronously since there is no
// SelectorLoop in this test; that is safe here because nothing re-enters the
// same Session's lock from within a callback.
type fakeHost struct {
	peer func([]byte)

	handshakeDone chan tls.ConnectionState
	appData       chan []byte
	closedByPeer  chan struct{}
	failed        chan error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		handshakeDone: make(chan tls.ConnectionState, 1),
		appData:       make(chan []byte, 8),
		closedByPeer:  make(chan struct{}, 1),
		failed:        make(chan error, 1),
	}
}

func (h *fakeHost) AppendOutgoing(p []byte) error {
	cp := append([]byte(nil), p...)
	h.peer(cp)
	return nil
}
func (h *fakeHost) RequestWrite() {}
func (h *fakeHost) Invoke(fn func()) { fn() }
func (h *fakeHost) DeliverApplicationData(p []byte) {
	h.appData <- append([]byte(nil), p...)
}
func (h *fakeHost) HandshakeComplete(alpn string, state tls.ConnectionState) {
	select {
	case h.handshakeDone <- state:
	default:
	}
}
func (h *fakeHost) Failed(err error) {
	select {
	case h.failed <- err:
	default:
	}
}
func (h *fakeHost) ClosedByPeer() {
	select {
	case <-h.closedByPeer:
	default:
		close(h.closedByPeer)
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "nexus-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestSessionHandshakeAndApplicationDataRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	clientHost := newFakeHost()
	serverHost := newFakeHost()

	clientSession := New(clientHost, clientCfg, true)
	serverSession := New(serverHost, serverCfg, false)

	clientHost.peer = serverSession.Unwrap
	serverHost.peer = clientSession.Unwrap

	clientSession.StartClientHandshake()
	serverSession.Start()

	select {
	case <-clientHost.handshakeDone:
	case err := <-clientHost.failed:
		t.Fatalf("client handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake did not complete")
	}
	select {
	case <-serverHost.handshakeDone:
	case err := <-serverHost.failed:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}

	require.NoError(t, clientSession.Wrap([]byte("hello server")))
	select {
	case data := <-serverHost.appData:
		require.Equal(t, "hello server", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received application data")
	}

	require.NoError(t, serverSession.Wrap([]byte("hello client")))
	select {
	case data := <-clientHost.appData:
		require.Equal(t, "hello client", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("client never received application data")
	}

	clientSession.CloseOutbound()
	select {
	case <-serverHost.closedByPeer:
	case err := <-serverHost.failed:
		t.Fatalf("server reported failure instead of close-notify: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed close-notify")
	}
}

func TestSessionWrapAfterCloseOutboundFails(t *testing.T) {
	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	clientHost := newFakeHost()
	serverHost := newFakeHost()
	clientSession := New(clientHost, clientCfg, true)
	serverSession := New(serverHost, serverCfg, false)
	clientHost.peer = serverSession.Unwrap
	serverHost.peer = clientSession.Unwrap

	clientSession.StartClientHandshake()
	serverSession.Start()
	<-clientHost.handshakeDone

	clientSession.CloseOutbound()
	require.Error(t, clientSession.Wrap([]byte("too late")))
}
