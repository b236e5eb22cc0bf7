package pool

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(Config{})
	defer p.Close()

	assert.Equal(t, 60*time.Second, p.Batch().Timeout)
	assert.Zero(t, p.Stream().Timeout, "stream client has no wall-clock timeout")

	transport, ok := p.Batch().Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 50, transport.MaxConnsPerHost)
	assert.Equal(t, 30*time.Second, transport.IdleConnTimeout)
}

func TestNew_HonorsLimits(t *testing.T) {
	p := New(Config{MaxSockets: 7, IdleTimeout: time.Second, RequestTimeout: 2 * time.Second})
	defer p.Close()

	assert.Equal(t, 2*time.Second, p.Batch().Timeout)

	transport, ok := p.Batch().Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 7, transport.MaxIdleConnsPerHost)

	streamTransport, ok := p.Stream().Transport.(*http.Transport)
	require.True(t, ok)
	assert.Zero(t, streamTransport.ResponseHeaderTimeout, "streams may be slow to start")
}

func TestClients_AreDistinct(t *testing.T) {
	p := New(DefaultConfig())
	defer p.Close()

	assert.NotSame(t, p.Batch(), p.Stream())
	assert.NotSame(t, p.Batch().Transport, p.Stream().Transport)
}
