package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS guard_check_events (
		request_id          String,
		project_id          LowCardinality(String),
		timestamp           DateTime64(3),
		tool_name           LowCardinality(String),
		arguments_json      String,
		verdict             LowCardinality(String),
		enforced            UInt8,
		reason              String,
		violation_messages  Array(String),
		violation_rules     Array(String),
		violation_sources   Array(LowCardinality(String)),
		evaluators          Array(LowCardinality(String)),
		eval_triggered      Array(UInt8),
		eval_errors         Array(String),
		metadata            Map(String, String),
		latency_ms          Float32,
		source              LowCardinality(String)
	)
	ENGINE = MergeTree
	ORDER BY (project_id, tool_name, timestamp)
`

// ClickHouseWriter writes guard check events to ClickHouse asynchronously.
// Events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *GuardCheckEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter connects, creates the events table if needed and
// starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	// TLS is enabled by secure=true in the DSN.
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if err := conn.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := newClickHouseWriter(conn, bufferSize, logger)
	go w.flushLoop()
	return w, nil
}

func newClickHouseWriter(conn driver.Conn, size int, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *GuardCheckEvent, size),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues an event for async insertion. Drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *GuardCheckEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*GuardCheckEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*GuardCheckEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO guard_check_events (
			request_id, project_id, timestamp, tool_name, arguments_json,
			verdict, enforced, reason,
			violation_messages, violation_rules, violation_sources,
			evaluators, eval_triggered, eval_errors,
			metadata, latency_ms, source
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.ProjectID,
			e.Timestamp,
			e.ToolName,
			e.ArgumentsJSON,
			e.Verdict,
			boolUint8(e.Enforced),
			e.Reason,
			nonNil(e.ViolationMessages),
			nonNil(e.ViolationRules),
			nonNil(e.ViolationSources),
			nonNil(e.Evaluators),
			boolsUint8(e.EvalTriggered),
			nonNil(e.EvalErrors),
			nonNilMap(e.Metadata),
			e.LatencyMs,
			e.Source,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func boolsUint8(bs []bool) []uint8 {
	out := make([]uint8, len(bs))
	for i, b := range bs {
		out[i] = boolUint8(b)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
