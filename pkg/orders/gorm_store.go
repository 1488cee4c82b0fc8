package orders

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tanmay18-12/soa-messaging/pkg/postgres"
)

// GormStore keeps records in the processed_orders table.
type GormStore struct {
	db *postgres.Postgres
}

// NewGormStore migrates the processed_orders table and returns a store
// backed by it.
func NewGormStore(db *postgres.Postgres) (*GormStore, error) {
	if err := db.Migrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate processed orders: %w", postgres.TranslateError(err))
	}
	return &GormStore{db: db}, nil
}

// SaveOrder inserts the order, or overwrites the order columns when the same
// new.order message is processed again.
func (s *GormStore) SaveOrder(ctx context.Context, order Order) error {
	rec, err := newRecord(order)
	if err != nil {
		return err
	}

	err = s.db.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer", "items", "total", "placed_at", "last_event_at", "updated_at"}),
	}).Create(&rec).Error
	return postgres.TranslateError(err)
}

func (s *GormStore) ApplyUpdate(ctx context.Context, id int, fields map[string]interface{}) error {
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		var rec Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, id).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = Record{ID: id}
		case err != nil:
			return err
		}

		if err := rec.merge(fields); err != nil {
			return err
		}
		return tx.Save(&rec).Error
	})
	return postgres.TranslateError(err)
}

func (s *GormStore) Get(ctx context.Context, id int) (Record, error) {
	var rec Record
	err := postgres.TranslateError(s.db.First(ctx, &rec, id))
	if errors.Is(err, postgres.ErrRecordNotFound) {
		return Record{}, ErrOrderNotFound
	}
	return rec, err
}
