package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestCompilePolicyDefaultsToAllowAll(t *testing.T) {
	p, err := CompilePolicy(PolicyConfig{})
	require.NoError(t, err)
	assert.IsType(t, AllowAllPolicy{}, p)
	assert.True(t, p.Accept(addr("1.2.3.4", 1111)))
}

func TestCompilePolicyMaxConnectionsPerIP(t *testing.T) {
	p, err := CompilePolicy(PolicyConfig{MaxConnectionsPerIP: 2})
	require.NoError(t, err)

	a := addr("10.0.0.1", 1)
	assert.True(t, p.Accept(a))
	assert.True(t, p.Accept(a))
	assert.False(t, p.Accept(a), "third connection from same IP should be rejected")

	p.Release(a)
	assert.True(t, p.Accept(a), "releasing one slot should allow another connection")
}

func TestCompilePolicyBlockedNetwork(t *testing.T) {
	p, err := CompilePolicy(PolicyConfig{BlockedNetworks: []string{"10.0.0.0/8"}})
	require.NoError(t, err)

	assert.False(t, p.Accept(addr("10.1.2.3", 1)))
	assert.True(t, p.Accept(addr("192.168.1.1", 1)))
}

func TestCompilePolicyAllowedNetworkIsExclusive(t *testing.T) {
	p, err := CompilePolicy(PolicyConfig{AllowedNetworks: []string{"192.168.0.0/16"}})
	require.NoError(t, err)

	assert.True(t, p.Accept(addr("192.168.5.5", 1)))
	assert.False(t, p.Accept(addr("10.0.0.1", 1)), "IPs outside the allow list must be rejected")
}

func TestCompilePolicyRateLimit(t *testing.T) {
	p, err := CompilePolicy(PolicyConfig{RateLimit: "2/s"})
	require.NoError(t, err)

	a := addr("172.16.0.1", 1)
	assert.True(t, p.Accept(a))
	assert.True(t, p.Accept(a))
	assert.False(t, p.Accept(a), "third connection within the window should be rate-limited")

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, p.Accept(a), "connections outside the window should be allowed again")
}

func TestCompilePolicyInvalidCIDR(t *testing.T) {
	_, err := CompilePolicy(PolicyConfig{AllowedNetworks: []string{"not-a-cidr"}})
	require.Error(t, err)
}

func TestCompilePolicyInvalidRateLimit(t *testing.T) {
	_, err := CompilePolicy(PolicyConfig{RateLimit: "bogus"})
	require.Error(t, err)
}

func TestParseRateLimit(t *testing.T) {
	count, window, err := parseRateLimit("10/m")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	assert.Equal(t, time.Minute, window)
}
