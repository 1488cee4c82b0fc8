package orders

import (
	"fmt"
	"time"
)

// Routing keys used on the orders exchange.
const (
	RoutingKeyNewOrder    = "new.order"
	RoutingKeyUpdateOrder = "update.order"
)

// TimestampFormat is ISO 8601 in UTC with millisecond precision,
// e.g. 2024-05-01T12:00:00.000Z.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Order is the new.order message body.
type Order struct {
	ID        int           `json:"id"`
	Customer  string        `json:"customer"`
	Items     []interface{} `json:"items"`
	Total     float64       `json:"total"`
	Timestamp string        `json:"timestamp"`
}

// CreateOrderRequest is the body accepted by POST /orders.
type CreateOrderRequest struct {
	Customer string        `json:"customer"`
	Items    []interface{} `json:"items"`
	Total    float64       `json:"total"`
}

// NewOrderEnvelope builds the new.order message for req.
func NewOrderEnvelope(req CreateOrderRequest, id int, now time.Time) Order {
	return Order{
		ID:        id,
		Customer:  req.Customer,
		Items:     req.Items,
		Total:     req.Total,
		Timestamp: FormatTimestamp(now),
	}
}

// UpdateEnvelope builds the update.order message: the id from the path,
// overlaid by every field of body, then the current timestamp. A body "id"
// wins over the path id; a body "timestamp" never does.
func UpdateEnvelope(id int, body map[string]interface{}, now time.Time) map[string]interface{} {
	envelope := make(map[string]interface{}, len(body)+2)
	envelope["id"] = id
	for k, v := range body {
		envelope[k] = v
	}
	envelope["timestamp"] = FormatTimestamp(now)
	return envelope
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// orderID reads the "id" field of a decoded update.order body.
func orderID(payload map[string]interface{}) (int, error) {
	switch v := payload["id"].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("order id %v is not an integer", v)
		}
		return int(v), nil
	case int:
		return v, nil
	case nil:
		return 0, fmt.Errorf("order id is missing")
	default:
		return 0, fmt.Errorf("order id has unexpected type %T", v)
	}
}
