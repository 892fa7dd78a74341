package recorder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

// DecodeBody turns captured wire bytes into text for storage. The wire path
// never decompresses, so compressed upstream responses arrive here still
// encoded; gzip and brotli are unwrapped based on the forwarded
// Content-Encoding. On decode failure the raw bytes are stored as-is.
func DecodeBody(raw []byte, contentEncoding string) string {
	if len(raw) == 0 {
		return ""
	}
	enc := strings.ToLower(contentEncoding)
	switch {
	case strings.Contains(enc, "gzip"):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return string(raw)
		}
		decompressed, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return string(raw)
		}
		return string(decompressed)
	case strings.Contains(enc, "br"):
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return string(raw)
		}
		return string(decompressed)
	}
	return string(raw)
}

// Truncate caps the stored text at maxBytes. When the UTF-8 byte length
// exceeds the cap, the result is the longest valid UTF-8 prefix within the
// cap followed by a trailer naming the original and kept sizes. The wire
// bytes delivered to the client are never truncated; only storage is.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n[TRUNCATED: original size was %d bytes, stored first %d bytes]", s[:cut], len(s), cut)
}
