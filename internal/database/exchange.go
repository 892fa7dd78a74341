package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const insertExchangeSQL = `
	INSERT INTO exchanges (
		timestamp, method, path, request_headers, request_body,
		response_status, response_headers, response_body, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertTokenUsageSQL = `
	INSERT INTO token_usage (
		exchange_id, timestamp, model, input_tokens, output_tokens,
		cache_read_tokens, cache_creation_tokens
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

// AddExchange inserts the exchange and, when TokenUsage is attached, its 1:1
// child row in the same transaction. The generated exchange id is written
// back to ex.ID.
func (d *DB) AddExchange(ctx context.Context, ex *Exchange) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	if ex == nil {
		return fmt.Errorf("exchange cannot be nil")
	}

	return d.Transaction(ctx, func(tx *sql.Tx) error {
		args := []interface{}{
			ex.Timestamp,
			ex.Method,
			ex.Path,
			ex.RequestHeaders,
			ex.RequestBody,
			ex.ResponseStatus,
			ex.ResponseHeaders,
			ex.ResponseBody,
			ex.DurationMs,
		}

		var id int64
		if d.driver == DriverPostgres {
			// pgx does not support LastInsertId; use RETURNING instead.
			err := tx.QueryRowContext(ctx, d.rebind(insertExchangeSQL+" RETURNING id"), args...).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to insert exchange: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, insertExchangeSQL, args...)
			if err != nil {
				return fmt.Errorf("failed to insert exchange: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read exchange id: %w", err)
			}
		}
		ex.ID = id

		if ex.TokenUsage == nil {
			return nil
		}

		tu := ex.TokenUsage
		tu.ExchangeID = id
		tu.Timestamp = ex.Timestamp
		_, err := tx.ExecContext(ctx, d.rebind(insertTokenUsageSQL),
			tu.ExchangeID,
			tu.Timestamp,
			tu.Model,
			tu.InputTokens,
			tu.OutputTokens,
			tu.CacheReadTokens,
			tu.CacheCreationTokens,
		)
		if err != nil {
			return fmt.Errorf("failed to insert token usage: %w", err)
		}
		return nil
	})
}

// GetStatsProjections returns every exchange whose timestamp satisfies
// from <= timestamp < to, projected to the aggregation shape. Row ordering
// is unspecified; the aggregator reorders.
func (d *DB) GetStatsProjections(ctx context.Context, from, to time.Time) ([]StatsProjection, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("database is nil")
	}

	query := d.rebind(`
		SELECT e.timestamp, t.id, COALESCE(t.input_tokens, 0), COALESCE(t.output_tokens, 0)
		FROM exchanges e
		LEFT JOIN token_usage t ON t.exchange_id = e.id
		WHERE e.timestamp >= ? AND e.timestamp < ?`)

	rows, err := d.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query stats projections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projections []StatsProjection
	for rows.Next() {
		var (
			p       StatsProjection
			usageID sql.NullInt64
		)
		if err := rows.Scan(&p.Timestamp, &usageID, &p.InputTokens, &p.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan stats projection: %w", err)
		}
		p.HasLLM = usageID.Valid
		p.Timestamp = p.Timestamp.UTC()
		projections = append(projections, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats projections: %w", err)
	}

	return projections, nil
}

// rebind converts `?` placeholders to the `$n` form PostgreSQL expects.
// SQLite and MySQL use `?` natively.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
