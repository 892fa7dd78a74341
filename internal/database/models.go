package database

import "time"

// Exchange is one recorded proxied request/response pair plus timing.
// Headers are stored as JSON text mapping header name to its values joined
// with ", "; the encoding exists for observability and is not load-bearing.
type Exchange struct {
	ID              int64
	Timestamp       time.Time // UTC arrival time at the proxy
	Method          string
	Path            string // path including query string, as received
	RequestHeaders  string
	RequestBody     *string // nil when the client body was empty
	ResponseStatus  int
	ResponseHeaders string
	ResponseBody    *string // decoded text as delivered; nil when empty
	DurationMs      int64

	// TokenUsage, when non-nil, is inserted atomically with the exchange.
	TokenUsage *TokenUsage
}

// TokenUsage is the optional 1:1 child of an Exchange carrying the token
// counts reported by the upstream.
type TokenUsage struct {
	ID                  int64
	ExchangeID          int64
	Timestamp           time.Time // copied from the parent exchange
	Model               *string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// StatsProjection is the reduced row shape consumed by the aggregator.
type StatsProjection struct {
	Timestamp    time.Time
	HasLLM       bool
	InputTokens  int64
	OutputTokens int64
}
