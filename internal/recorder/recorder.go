// Package recorder persists captured exchanges without delaying the
// response path.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/llmtap/llmtap/internal/database"
	"github.com/llmtap/llmtap/internal/usage"
	"go.uber.org/zap"
)

// ExchangeStore is the narrow persistence interface the recorder writes
// through. *database.DB satisfies it.
type ExchangeStore interface {
	AddExchange(ctx context.Context, ex *database.Exchange) error
}

// Recorder attaches parsed token usage to Messages exchanges and writes
// them to the store. It is a process-wide single instance; each Record call
// dispatches onto its own goroutine.
type Recorder struct {
	store  ExchangeStore
	logger *zap.Logger
}

// New creates a Recorder writing through the given store.
func New(store ExchangeStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record persists the exchange on a background goroutine. It returns
// immediately; any error during the write is logged at warn level and
// swallowed. The caller must not touch the exchange after handing it over.
func (r *Recorder) Record(ex *database.Exchange) {
	go func() {
		if err := r.RecordCore(context.Background(), ex); err != nil {
			r.logger.Warn("failed to record exchange",
				zap.String("method", ex.Method),
				zap.String("path", ex.Path),
				zap.Error(err))
		}
	}()
}

// RecordCore performs the recording synchronously: parse token usage when
// the exchange is a Messages call, then insert exchange and usage in one
// transaction. Exposed so tests can await the write.
func (r *Recorder) RecordCore(ctx context.Context, ex *database.Exchange) error {
	if ex == nil {
		return fmt.Errorf("exchange cannot be nil")
	}

	if usage.IsAnthropicMessagesCall(ex.Path, ex.Method) {
		body := ""
		if ex.ResponseBody != nil {
			body = *ex.ResponseBody
		}
		if u := usage.Parse(body, isEventStreamHeaders(ex.ResponseHeaders)); u != nil {
			tu := &database.TokenUsage{
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadTokens,
				CacheCreationTokens: u.CacheCreationTokens,
			}
			if u.Model != "" {
				model := u.Model
				tu.Model = &model
			}
			ex.TokenUsage = tu
		} else {
			r.logger.Warn("no token usage parsed from messages response",
				zap.String("method", ex.Method),
				zap.String("path", ex.Path),
				zap.Int("status", ex.ResponseStatus))
		}
	}

	if err := r.store.AddExchange(ctx, ex); err != nil {
		return fmt.Errorf("failed to persist exchange: %w", err)
	}
	return nil
}

// isEventStreamHeaders reports whether the recorded response-header JSON
// carries a text/event-stream Content-Type.
func isEventStreamHeaders(headersJSON string) bool {
	var headers map[string]string
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		return false
	}
	for name, value := range headers {
		if strings.EqualFold(name, "Content-Type") {
			return strings.Contains(strings.ToLower(value), "text/event-stream")
		}
	}
	return false
}
