// Package orders holds the order messages exchanged over the broker and the
// handlers the consumer runs for them.
//
// The publisher builds messages with NewOrderEnvelope (routing key
// new.order) and UpdateEnvelope (update.order). The consumer registers
// Handlers on a rabbit.HandlerRegistry; each handler simulates the
// configured processing delay and then records the result in a Store,
// either MemoryStore or the Postgres-backed GormStore.
package orders
