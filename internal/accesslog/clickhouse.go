package accesslog

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseSink batches RequestLog entries into ClickHouse over its native
// protocol. Expected schema:
//
//	CREATE TABLE gateway_access_log (
//	    id UUID, deployment_id String, project_id String, host String,
//	    path String, status UInt16, latency_ms UInt32, cache_result String,
//	    created_at DateTime64(3)
//	) ENGINE = MergeTree ORDER BY (host, created_at)
type clickhouseSink struct {
	conn  driver.Conn
	table string
}

func newClickhouseSink(dsn string) (*clickhouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("accesslog: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("accesslog: ping clickhouse: %w", err)
	}
	return &clickhouseSink{conn: conn, table: "gateway_access_log"}, nil
}

func (s *clickhouseSink) write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, deployment_id, project_id, host, path, status, latency_ms, cache_result, created_at)",
		s.table,
	))
	if err != nil {
		return fmt.Errorf("accesslog: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(e.ID, e.DeploymentID, e.ProjectID, e.Host, e.Path, e.Status, e.LatencyMs, e.CacheResult, e.CreatedAt); err != nil {
			return fmt.Errorf("accesslog: append row: %w", err)
		}
	}
	return b.Send()
}

func (s *clickhouseSink) Close() error {
	return s.conn.Close()
}
