package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Hop-by-hop headers must not be forwarded (RFC 7230). The request and
// response sets differ: Host is stripped only on the request side (the
// outgoing client sets it from the target authority), and Content-Length is
// stripped on both sides so it is recomputed from what is actually sent.
var requestHopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Host":                {},
	"Content-Length":      {},
}

var responseHopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
	"Content-Length":      {},
}

// copyRequestHeaders copies client headers onto the upstream request,
// dropping the request-side hop-by-hop set. Order and multiplicity of the
// surviving headers are preserved.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, drop := requestHopByHop[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// copyResponseHeaders copies upstream headers onto the client response,
// dropping the response-side hop-by-hop set.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, drop := responseHopByHop[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// encodeHeaders serializes headers for recording as a JSON object mapping
// name to its values joined with ", ". The recording encoding is lossy for
// duplicate-name headers; the wire path preserves multiplicity.
func encodeHeaders(h http.Header) string {
	m := make(map[string]string, len(h))
	for name, values := range h {
		m[name] = strings.Join(values, ", ")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
