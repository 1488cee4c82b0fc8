package api

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// PublisherRouter serves the order API of the publisher process:
//
//	POST /orders       publish new.order
//	PUT  /orders/{id}  publish update.order
//	GET  /metrics      Prometheus exposition
//	GET  /health       broker connection state
func (s *Server) PublisherRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.createOrder)
	mux.HandleFunc("PUT /orders/{id}", s.updateOrder)
	s.opsRoutes(mux)
	return s.wrap(mux, "publisher")
}

// OpsRouter serves /metrics and /health for the consumer process.
func (s *Server) OpsRouter() http.Handler {
	mux := http.NewServeMux()
	s.opsRoutes(mux)
	return s.wrap(mux, "consumer")
}

func (s *Server) opsRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /health", s.health)
}

func (s *Server) wrap(mux *http.ServeMux, operation string) http.Handler {
	var h http.Handler = s.recordDuration(mux)
	h = requestID(h)
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics"
		}),
	)
}
