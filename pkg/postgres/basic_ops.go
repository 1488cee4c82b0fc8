package postgres

import (
	"context"
)

// First finds the first record that matches the given conditions.
//
// Parameters:
//   - ctx: bounds the query
//   - dest: pointer to the model to fill
//   - conditions: optional primary key or query with arguments
//
// Returns gorm.ErrRecordNotFound when nothing matches; pass the result
// through TranslateError to compare against ErrRecordNotFound.
//
// Example:
//
//	var rec orders.Record
//	err := postgres.TranslateError(db.First(ctx, &rec, 42))
func (p *Postgres) First(ctx context.Context, dest interface{}, conditions ...interface{}) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.client.WithContext(ctx).First(dest, conditions...).Error
}
