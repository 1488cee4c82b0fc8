package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrOrderNotFound is returned by Store.Get for unknown ids.
var ErrOrderNotFound = errors.New("order not found")

const (
	StatusPlaced  = "placed"
	StatusUpdated = "updated"
)

// Record is the stored state of an order after processing.
type Record struct {
	ID       int     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Customer string  `json:"customer"`
	Items    string  `gorm:"type:text" json:"items"`
	Total    float64 `json:"total"`
	Status   string  `gorm:"index" json:"status"`

	// PlacedAt and LastEventAt carry the message timestamps, not the
	// processing time.
	PlacedAt    string `json:"placed_at"`
	LastEventAt string `json:"last_event_at"`

	// Attributes holds the fields of the last update that have no column.
	Attributes string `gorm:"type:text" json:"attributes"`
	Updates    int    `json:"updates"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Record) TableName() string {
	return "processed_orders"
}

// Store records the side effects of processed messages. Deliveries are
// at-least-once, so a repeated message must not fail or duplicate a row.
type Store interface {
	SaveOrder(ctx context.Context, order Order) error
	ApplyUpdate(ctx context.Context, id int, fields map[string]interface{}) error
	Get(ctx context.Context, id int) (Record, error)
}

func newRecord(order Order) (Record, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:          order.ID,
		Customer:    order.Customer,
		Items:       string(items),
		Total:       order.Total,
		Status:      StatusPlaced,
		PlacedAt:    order.Timestamp,
		LastEventAt: order.Timestamp,
	}, nil
}

// merge applies an update.order body to r. Known fields go to their
// columns; the rest is kept as JSON in Attributes.
func (r *Record) merge(fields map[string]interface{}) error {
	extra := make(map[string]interface{})
	for k, v := range fields {
		switch k {
		case "id":
		case "customer":
			if s, ok := v.(string); ok {
				r.Customer = s
			}
		case "total":
			if f, ok := v.(float64); ok {
				r.Total = f
			}
		case "items":
			items, err := json.Marshal(v)
			if err != nil {
				return err
			}
			r.Items = string(items)
		case "timestamp":
			if s, ok := v.(string); ok {
				r.LastEventAt = s
			}
		default:
			extra[k] = v
		}
	}

	if len(extra) > 0 {
		attrs, err := json.Marshal(extra)
		if err != nil {
			return err
		}
		r.Attributes = string(attrs)
	}
	r.Status = StatusUpdated
	r.Updates++
	return nil
}

// MemoryStore keeps records in process memory. It is used when no database
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) SaveOrder(_ context.Context, order Order) error {
	rec, err := newRecord(order)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[order.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
		rec.Updates = existing.Updates
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[order.ID] = rec
	return nil
}

func (s *MemoryStore) ApplyUpdate(_ context.Context, id int, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[id]
	if !ok {
		rec = Record{ID: id, CreatedAt: now}
	}
	if err := rec.merge(fields); err != nil {
		return err
	}
	rec.UpdatedAt = now
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrOrderNotFound
	}
	return rec, nil
}
