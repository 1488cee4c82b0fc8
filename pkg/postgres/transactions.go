package postgres

import (
	"context"

	"gorm.io/gorm"
)

// Transaction executes fn within a database transaction. The transaction is
// rolled back when fn returns an error or panics.
func (p *Postgres) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.client.WithContext(ctx).Transaction(fn)
}
