package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// UsageEvent is one analytics row emitted after a completion's usage has
// been recorded. Counter fields are the post-update values so the warehouse
// can reconstruct window positions without joining the usage store.
type UsageEvent struct {
	Time                  time.Time
	UserID                uint64
	IsStaff               bool
	Plan                  string
	Model                 string
	Provider              string
	InputTokens           uint64
	OutputTokens          uint64
	RequestsThisMinute    uint64
	TokensThisMinute      uint64
	TokensThisDay         uint64
	InputTokensThisMonth  uint64
	OutputTokensThisMonth uint64
	SpendingThisMonth     uint64
}

// UsageEventSink persists usage events. Implementations must tolerate being
// called from a single background goroutine.
type UsageEventSink interface {
	Insert(ctx context.Context, events []UsageEvent) error
}

const usageEventsTable = "llm_usage_events"

// ClickHouseSink writes usage events to ClickHouse in columnar batches.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to ClickHouse and verifies the connection.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Insert appends all events to one batch and sends it.
func (s *ClickHouseSink) Insert(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+usageEventsTable)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.Time.UnixMilli(),
			e.UserID,
			e.IsStaff,
			e.Plan,
			e.Model,
			e.Provider,
			e.InputTokens,
			e.OutputTokens,
			e.RequestsThisMinute,
			e.TokensThisMinute,
			e.TokensThisDay,
			e.InputTokensThisMonth,
			e.OutputTokensThisMonth,
			e.SpendingThisMonth,
		); err != nil {
			return fmt.Errorf("clickhouse: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
