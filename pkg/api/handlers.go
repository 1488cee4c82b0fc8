package api

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/Tanmay18-12/soa-messaging/pkg/orders"
	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
)

const (
	msgOrderAccepted       = "Order has been accepted for processing"
	msgOrderUpdateAccepted = "Order update has been accepted for processing"
	msgUnavailable         = "Service unavailable, please try again later"
	msgInvalidOrderID      = "Order id must be an integer"
	msgInvalidBody         = "Request body must be a JSON object"

	maxBodyBytes = 1 << 20
)

type acceptedResponse struct {
	Message string `json:"message"`
	OrderID int    `json:"orderId"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// Server holds the HTTP handlers of the publisher and consumer processes.
type Server struct {
	publisher Publisher
	broker    BrokerState
	durations DurationRecorder
	metrics   http.Handler
	logger    Logger

	newOrderID func() int
	now        func() time.Time
}

func NewServer(publisher Publisher, broker BrokerState, durations DurationRecorder, metrics http.Handler, logger Logger) *Server {
	return &Server{
		publisher:  publisher,
		broker:     broker,
		durations:  durations,
		metrics:    metrics,
		logger:     logger,
		newOrderID: func() int { return rand.Intn(10000) },
		now:        time.Now,
	}
}

// createOrder handles POST /orders.
func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: msgInvalidBody})
		return
	}

	order := orders.NewOrderEnvelope(req, s.newOrderID(), s.now())
	if err := s.publisher.Publish(r.Context(), orders.RoutingKeyNewOrder, order); err != nil {
		s.logger.ErrorWithContext(r.Context(), "failed to publish order message", err, map[string]interface{}{
			"order_id": order.ID,
		})
		writeJSON(w, http.StatusServiceUnavailable, messageResponse{Message: msgUnavailable})
		return
	}

	s.logger.InfoWithContext(r.Context(), "new order created", nil, map[string]interface{}{
		"order_id": order.ID,
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{Message: msgOrderAccepted, OrderID: order.ID})
}

// updateOrder handles PUT /orders/{id}.
func (s *Server) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: msgInvalidOrderID})
		return
	}

	var body map[string]interface{}
	if err := decodeBody(w, r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: msgInvalidBody})
		return
	}

	update := orders.UpdateEnvelope(id, body, s.now())
	if err := s.publisher.Publish(r.Context(), orders.RoutingKeyUpdateOrder, update); err != nil {
		s.logger.ErrorWithContext(r.Context(), "failed to publish order update message", err, map[string]interface{}{
			"order_id": id,
		})
		writeJSON(w, http.StatusServiceUnavailable, messageResponse{Message: msgUnavailable})
		return
	}

	s.logger.InfoWithContext(r.Context(), "order updated", nil, map[string]interface{}{
		"order_id": id,
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{Message: msgOrderUpdateAccepted, OrderID: id})
}

// health handles GET /health. It is UP only while the broker connection is
// established.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	state := s.broker.State()
	if state == rabbit.StateConnected {
		writeJSON(w, http.StatusOK, healthResponse{Status: "UP", Broker: state.String()})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "DOWN", Broker: state.String()})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched, so
// a POST without a body creates an order with empty fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
