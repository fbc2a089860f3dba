package sqlite

import (
	"context"
	"fmt"

	gateway "github.com/eugener/palantir/internal"
)

// Model returns the descriptor for (provider, name) from the in-memory set.
func (s *Store) Model(provider gateway.Provider, name string) (gateway.ModelDescriptor, error) {
	s.mu.RLock()
	m, ok := s.models[modelKey{provider, name}]
	s.mu.RUnlock()
	if !ok {
		return gateway.ModelDescriptor{}, gateway.ErrModelNotFound
	}
	return m, nil
}

// SeedModels upserts descriptors into the models table and reloads the
// in-memory lookup set. Called at startup with the configured model list.
func (s *Store) SeedModels(ctx context.Context, models []gateway.ModelDescriptor) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO models
		(provider, name, version, max_requests_per_minute, max_tokens_per_minute,
		 max_tokens_per_day, price_per_1k_input, price_per_1k_output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, name) DO UPDATE SET
		 version = excluded.version,
		 max_requests_per_minute = excluded.max_requests_per_minute,
		 max_tokens_per_minute = excluded.max_tokens_per_minute,
		 max_tokens_per_day = excluded.max_tokens_per_day,
		 price_per_1k_input = excluded.price_per_1k_input,
		 price_per_1k_output = excluded.price_per_1k_output`

	for _, m := range models {
		if _, err := tx.ExecContext(ctx, q,
			string(m.Provider), m.Name, m.Version,
			m.MaxRequestsPerMinute, m.MaxTokensPerMinute, m.MaxTokensPerDay,
			m.PricePer1KInput, m.PricePer1KOutput,
		); err != nil {
			return fmt.Errorf("upsert model %s/%s: %w", m.Provider, m.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return s.loadModels(ctx)
}

// loadModels replaces the in-memory model set from the models table.
func (s *Store) loadModels(ctx context.Context) error {
	rows, err := s.read.QueryContext(ctx, `SELECT provider, name, version,
		max_requests_per_minute, max_tokens_per_minute, max_tokens_per_day,
		price_per_1k_input, price_per_1k_output FROM models`)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := make(map[modelKey]gateway.ModelDescriptor)
	for rows.Next() {
		var m gateway.ModelDescriptor
		var provider string
		if err := rows.Scan(&provider, &m.Name, &m.Version,
			&m.MaxRequestsPerMinute, &m.MaxTokensPerMinute, &m.MaxTokensPerDay,
			&m.PricePer1KInput, &m.PricePer1KOutput); err != nil {
			return err
		}
		m.Provider = gateway.Provider(provider)
		loaded[modelKey{m.Provider, m.Name}] = m
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.models = loaded
	s.mu.Unlock()
	return nil
}

// priceFor returns the per-1k-token prices for a model, zero when unknown.
func (s *Store) priceFor(provider gateway.Provider, model string) (input, output int64) {
	m, err := s.Model(provider, model)
	if err != nil {
		return 0, 0
	}
	return m.PricePer1KInput, m.PricePer1KOutput
}
