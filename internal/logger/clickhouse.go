package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
    id                UUID,
    key_id            Int64,
    key_name          String,
    model             String,
    source_id         Int64,
    source_name       String,
    prompt_tokens     Int32,
    completion_tokens Int32,
    total_tokens      Int32,
    cost              Float64,
    latency_ms        Int64,
    status            Int32,
    stream            Bool,
    error             String,
    created_at        DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (key_id, created_at)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

// ClickHouseStore persists request logs in a ClickHouse table sized for
// high-volume append and per-key analytical reads.
type ClickHouseStore struct {
	conn driver.Conn
}

// NewClickHouse connects using a DSN such as
// clickhouse://localhost:9000/metergate and ensures the log table exists.
func NewClickHouse(ctx context.Context, dsn string) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}
	opts.MaxOpenConns = 8
	opts.MaxIdleConns = 4
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		return nil, fmt.Errorf("clickhouse: ensure schema: %w", err)
	}

	return &ClickHouseStore{conn: conn}, nil
}

func (s *ClickHouseStore) Append(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.KeyID,
			e.KeyName,
			e.Model,
			e.SourceID,
			e.SourceName,
			int32(e.PromptTokens),
			int32(e.CompletionTokens),
			int32(e.TotalTokens),
			e.Cost,
			e.LatencyMs,
			int32(e.Status),
			e.Stream,
			e.Error,
			e.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseStore) Recent(ctx context.Context, keyID int64, page, perPage int) ([]RequestLog, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	var total uint64
	if err := s.conn.QueryRow(ctx,
		"SELECT count() FROM request_logs WHERE key_id = ?", keyID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("clickhouse: count logs: %w", err)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT id, key_id, key_name, model, source_id, source_name,
		       prompt_tokens, completion_tokens, total_tokens,
		       cost, latency_ms, status, stream, error, created_at
		FROM request_logs
		WHERE key_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		keyID, perPage, (page-1)*perPage,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("clickhouse: query logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var (
			e                       RequestLog
			prompt, completion, tok int32
			status                  int32
		)
		if err := rows.Scan(
			&e.ID, &e.KeyID, &e.KeyName, &e.Model, &e.SourceID, &e.SourceName,
			&prompt, &completion, &tok,
			&e.Cost, &e.LatencyMs, &status, &e.Stream, &e.Error, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("clickhouse: scan log: %w", err)
		}
		e.PromptTokens = int(prompt)
		e.CompletionTokens = int(completion)
		e.TotalTokens = int(tok)
		e.Status = int(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("clickhouse: iterate logs: %w", err)
	}

	return out, int(total), nil
}

func (s *ClickHouseStore) DailyCosts(ctx context.Context, keyID int64, start, end time.Time) ([]DailyCost, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT toDate(created_at) AS day,
		       sum(cost) AS total,
		       count() AS calls,
		       sum(total_tokens) AS tokens
		FROM request_logs
		WHERE key_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY day
		ORDER BY day`,
		keyID, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query daily costs: %w", err)
	}
	defer rows.Close()

	var out []DailyCost
	for rows.Next() {
		var (
			d      DailyCost
			calls  uint64
			tokens int64
		)
		if err := rows.Scan(&d.Day, &d.Cost, &calls, &tokens); err != nil {
			return nil, fmt.Errorf("clickhouse: scan daily cost: %w", err)
		}
		d.Calls = int(calls)
		d.Tokens = int(tokens)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clickhouse: iterate daily costs: %w", err)
	}

	return out, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
