package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// Horizons for the distinct-active-user queries. "Recent minutes" feeds the
// per-minute quota divisor, "recent days" the per-day one.
const (
	activeMinutesWindow = 5 * time.Minute
	activeDaysWindow    = 5 * 24 * time.Hour
)

// Bucket encodings. RFC3339 UTC strings compare lexicographically in time
// order, which the last_active_at index relies on.
func minuteBucket(now time.Time) string { return now.UTC().Truncate(time.Minute).Format(time.RFC3339) }
func dayBucket(now time.Time) string    { return now.UTC().Format("2006-01-02") }
func monthBucket(now time.Time) string  { return now.UTC().Format("2006-01") }

// usageRow is the raw stored state including bucket boundaries.
type usageRow struct {
	minuteBucket          string
	requestsThisMinute    int64
	tokensThisMinute      int64
	dayBucket             string
	tokensThisDay         int64
	monthBucket           string
	inputTokensThisMonth  int64
	outputTokensThisMonth int64
	spendingThisMonth     int64
}

// view projects a stored row onto the windows current at now: any counter
// whose bucket has rolled over reads as zero.
func (r usageRow) view(now time.Time) gateway.UsageRecord {
	var rec gateway.UsageRecord
	if r.minuteBucket == minuteBucket(now) {
		rec.RequestsThisMinute = r.requestsThisMinute
		rec.TokensThisMinute = r.tokensThisMinute
	}
	if r.dayBucket == dayBucket(now) {
		rec.TokensThisDay = r.tokensThisDay
	}
	if r.monthBucket == monthBucket(now) {
		rec.InputTokensThisMonth = r.inputTokensThisMonth
		rec.OutputTokensThisMonth = r.outputTokensThisMonth
		rec.SpendingThisMonth = r.spendingThisMonth
	}
	return rec
}

const usageColumns = `minute_bucket, requests_this_minute, tokens_this_minute,
	day_bucket, tokens_this_day,
	month_bucket, input_tokens_this_month, output_tokens_this_month, spending_this_month`

func scanUsageRow(scan func(dest ...any) error) (usageRow, error) {
	var r usageRow
	err := scan(
		&r.minuteBucket, &r.requestsThisMinute, &r.tokensThisMinute,
		&r.dayBucket, &r.tokensThisDay,
		&r.monthBucket, &r.inputTokensThisMonth, &r.outputTokensThisMonth, &r.spendingThisMonth,
	)
	return r, err
}

// GetUsage returns the windowed usage for the key as seen at now. Missing
// rows and rolled-over buckets read as zero.
func (s *Store) GetUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, now time.Time) (gateway.UsageRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usages WHERE user_id = ? AND provider = ? AND model = ?`,
		int64(userID), string(provider), model,
	)
	stored, err := scanUsageRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.UsageRecord{}, nil
	}
	if err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("get usage: %w", err)
	}
	return stored.view(now), nil
}

// RecordUsage increments the key's counters inside one transaction on the
// single-writer connection: request count +1, minute and day token counters
// +in+out, monthly input/output counters, and monthly spending priced from
// the model table. Stale buckets restart at the current delta. Returns the
// post-update record.
func (s *Store) RecordUsage(ctx context.Context, userID uint64, provider gateway.Provider, model string, inputTokens, outputTokens int, now time.Time) (gateway.UsageRecord, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("record usage: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usages WHERE user_id = ? AND provider = ? AND model = ?`,
		int64(userID), string(provider), model,
	)
	stored, err := scanUsageRow(row.Scan)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return gateway.UsageRecord{}, fmt.Errorf("record usage: read: %w", err)
	}

	current := stored.view(now)
	tokens := int64(inputTokens) + int64(outputTokens)
	priceIn, priceOut := s.priceFor(provider, model)

	updated := gateway.UsageRecord{
		RequestsThisMinute:    current.RequestsThisMinute + 1,
		TokensThisMinute:      current.TokensThisMinute + tokens,
		TokensThisDay:         current.TokensThisDay + tokens,
		InputTokensThisMonth:  current.InputTokensThisMonth + int64(inputTokens),
		OutputTokensThisMonth: current.OutputTokensThisMonth + int64(outputTokens),
		SpendingThisMonth: current.SpendingThisMonth +
			int64(inputTokens)*priceIn/1000 + int64(outputTokens)*priceOut/1000,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usages
			(user_id, provider, model,
			 minute_bucket, requests_this_minute, tokens_this_minute,
			 day_bucket, tokens_this_day,
			 month_bucket, input_tokens_this_month, output_tokens_this_month, spending_this_month,
			 last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, model) DO UPDATE SET
			 minute_bucket = excluded.minute_bucket,
			 requests_this_minute = excluded.requests_this_minute,
			 tokens_this_minute = excluded.tokens_this_minute,
			 day_bucket = excluded.day_bucket,
			 tokens_this_day = excluded.tokens_this_day,
			 month_bucket = excluded.month_bucket,
			 input_tokens_this_month = excluded.input_tokens_this_month,
			 output_tokens_this_month = excluded.output_tokens_this_month,
			 spending_this_month = excluded.spending_this_month,
			 last_active_at = excluded.last_active_at`,
		int64(userID), string(provider), model,
		minuteBucket(now), updated.RequestsThisMinute, updated.TokensThisMinute,
		dayBucket(now), updated.TokensThisDay,
		monthBucket(now), updated.InputTokensThisMonth, updated.OutputTokensThisMonth, updated.SpendingThisMonth,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("record usage: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("record usage: commit: %w", err)
	}
	return updated, nil
}

// ActiveUserCount counts distinct users with any recorded usage inside each
// horizon.
func (s *Store) ActiveUserCount(ctx context.Context, now time.Time) (gateway.ActiveUserCount, error) {
	var count gateway.ActiveUserCount

	minutesCutoff := now.UTC().Add(-activeMinutesWindow).Format(time.RFC3339)
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM usages WHERE last_active_at > ?`, minutesCutoff,
	).Scan(&count.UsersInRecentMinutes)
	if err != nil {
		return gateway.ActiveUserCount{}, fmt.Errorf("active users (minutes): %w", err)
	}

	daysCutoff := now.UTC().Add(-activeDaysWindow).Format(time.RFC3339)
	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM usages WHERE last_active_at > ?`, daysCutoff,
	).Scan(&count.UsersInRecentDays)
	if err != nil {
		return gateway.ActiveUserCount{}, fmt.Errorf("active users (days): %w", err)
	}

	return count, nil
}
