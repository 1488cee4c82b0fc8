// Package api is the HTTP surface of the pipeline.
//
// The publisher process serves the order API: POST /orders and
// PUT /orders/{id} turn the request into a new.order or update.order message
// and answer 202 once the broker has confirmed it, or 503 when the broker is
// unreachable. Publishing never waits for a reconnect.
//
// Both processes serve GET /metrics and GET /health; health is UP only while
// the broker connection is established.
package api
