package proxy

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyRequestHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer sk-test")
	src.Set("Content-Type", "application/json")
	src.Set("Connection", "keep-alive")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Proxy-Authorization", "Basic xyz")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Host", "proxy.local")
	src.Set("Content-Length", "42")

	dst := http.Header{}
	copyRequestHeaders(dst, src)

	assert.Equal(t, "Bearer sk-test", dst.Get("Authorization"))
	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Authorization", "Transfer-Encoding", "Host", "Content-Length"} {
		assert.Empty(t, dst.Get(name), "header %s should be stripped", name)
	}
}

func TestCopyResponseHeadersKeepsContentEncoding(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Encoding", "gzip")
	src.Set("Content-Type", "application/json")
	src.Set("Connection", "close")
	src.Set("Content-Length", "100")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	assert.Equal(t, "gzip", dst.Get("Content-Encoding"))
	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Content-Length"))
}

func TestCopyRequestHeadersPreservesMultiplicity(t *testing.T) {
	src := http.Header{}
	src.Add("Accept", "application/json")
	src.Add("Accept", "text/event-stream")

	dst := http.Header{}
	copyRequestHeaders(dst, src)

	assert.Equal(t, []string{"application/json", "text/event-stream"}, dst.Values("Accept"))
}

func TestCopyRequestHeadersCaseInsensitiveStrip(t *testing.T) {
	src := http.Header{"connection": {"keep-alive"}, "hOsT": {"example.com"}}

	dst := http.Header{}
	copyRequestHeaders(dst, src)
	assert.Empty(t, dst)
}

func TestEncodeHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Add("Accept", "application/json")
	h.Add("Accept", "text/event-stream")

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(encodeHeaders(h)), &decoded))
	assert.Equal(t, "application/json", decoded["Content-Type"])
	assert.Equal(t, "application/json, text/event-stream", decoded["Accept"])
}

func TestEncodeHeadersEmpty(t *testing.T) {
	assert.Equal(t, "{}", encodeHeaders(http.Header{}))
}
