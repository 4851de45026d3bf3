package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// StatsSink receives one row per sweep for offline analysis. Never on the
// read path; a sink failure costs a warning, not correctness.
type StatsSink interface {
	RecordSweep(ctx context.Context, st Stats) error
}

// ClickHouseSink appends sweep stats to an append-only table.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink parses dsn, ensures the stats table exists, and returns
// the sink.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	dsn = strings.TrimSpace(dsn)
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.Auth.Database == "" {
		opts.Auth.Database = "veridian"
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Exec(ctxTimeout, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", opts.Auth.Database)); err != nil {
		return nil, fmt.Errorf("create database %s: %w", opts.Auth.Database, err)
	}
	table := "scheduler_stats"
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  at DateTime64(3) CODEC(Delta, ZSTD),
  expired UInt32,
  stalled UInt32,
  orphaned UInt32,
  pruned UInt32,
  took_ms Float64
) ENGINE = MergeTree() ORDER BY at TTL toDateTime(at) + INTERVAL 90 DAY`, table)
	if err := conn.Exec(ctxTimeout, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) RecordSweep(ctx context.Context, st Stats) error {
	return s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (at, expired, stalled, orphaned, pruned, took_ms) VALUES (?, ?, ?, ?, ?, ?)", s.table),
		st.At, uint32(st.Expired), uint32(st.Stalled), uint32(st.Orphaned), uint32(st.Pruned),
		float64(st.Took.Milliseconds()))
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// MemorySink accumulates sweep stats in-process for tests.
type MemorySink struct {
	mu     sync.Mutex
	sweeps []Stats
}

// NewMemorySink returns an in-process StatsSink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) RecordSweep(_ context.Context, st Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, st)
	return nil
}

// Sweeps returns a copy of everything recorded.
func (s *MemorySink) Sweeps() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Stats{}, s.sweeps...)
}
