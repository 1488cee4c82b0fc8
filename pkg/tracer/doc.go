// Package tracer sets up OpenTelemetry tracing for the publisher and consumer
// processes.
//
// The publisher starts a span per published order and writes the W3C trace
// context into the AMQP message headers through GetCarrier; the consumer reads
// it back with SetCarrierOnContext so that the processing span is a child of
// the publish span, even though the two run in different processes.
//
//	tr := tracer.NewClient(tracer.Config{
//		ServiceName: "order-publisher",
//		AppEnv:      "development",
//	}, log)
//
//	ctx, span := tr.StartSpan(ctx, "orders.publish")
//	defer span.End()
//	headers := tr.GetCarrier(ctx)
//
// Export to a collector is opt-in (Config.EnableExport); the exporter honours
// the usual OTEL_EXPORTER_OTLP_* environment variables.
package tracer
