// Package stats aggregates recorded exchanges into time-bucketed usage
// metrics and serves them over the analytics API.
package stats

import (
	"context"
	"sort"
	"time"

	"github.com/llmtap/llmtap/internal/database"
)

// ProjectionSource is the read side of the exchange store. *database.DB
// satisfies it.
type ProjectionSource interface {
	GetStatsProjections(ctx context.Context, from, to time.Time) ([]database.StatsProjection, error)
}

// Bucket is one aggregated time slot. Buckets with no traffic are omitted.
type Bucket struct {
	TimeBucket        time.Time `json:"timeBucket"`
	RequestCount      int       `json:"requestCount"`
	LLMRequestCount   int       `json:"llmRequestCount"`
	TotalInputTokens  int64     `json:"totalInputTokens"`
	TotalOutputTokens int64     `json:"totalOutputTokens"`
}

// Aggregator computes hourly and daily rollups. Date truncation happens in
// process memory so the store query stays dialect-neutral.
type Aggregator struct {
	source ProjectionSource
}

// NewAggregator creates an aggregator reading from the given source.
func NewAggregator(source ProjectionSource) *Aggregator {
	return &Aggregator{source: source}
}

// Hourly returns per-hour buckets for from <= t < to, ascending.
func (a *Aggregator) Hourly(ctx context.Context, from, to time.Time) ([]Bucket, error) {
	return a.aggregate(ctx, from, to, truncateToHour)
}

// Daily returns per-day buckets for from <= t < to, ascending.
func (a *Aggregator) Daily(ctx context.Context, from, to time.Time) ([]Bucket, error) {
	return a.aggregate(ctx, from, to, truncateToDay)
}

func (a *Aggregator) aggregate(ctx context.Context, from, to time.Time, truncate func(time.Time) time.Time) ([]Bucket, error) {
	projections, err := a.source.GetStatsProjections(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	byBucket := make(map[time.Time]*Bucket)
	for _, p := range projections {
		key := truncate(p.Timestamp)
		b, ok := byBucket[key]
		if !ok {
			b = &Bucket{TimeBucket: key}
			byBucket[key] = b
		}
		b.RequestCount++
		if p.HasLLM {
			b.LLMRequestCount++
			b.TotalInputTokens += p.InputTokens
			b.TotalOutputTokens += p.OutputTokens
		}
	}

	buckets := make([]Bucket, 0, len(byBucket))
	for _, b := range byBucket {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].TimeBucket.Before(buckets[j].TimeBucket)
	})
	return buckets, nil
}

func truncateToHour(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
