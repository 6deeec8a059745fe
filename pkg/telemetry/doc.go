// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the connection manager, the gateway and the room server.
//
// Metrics are created against an injectable registry so tests and embedded
// deployments never collide on prometheus.DefaultRegisterer:
//
//	reg := prometheus.NewRegistry()
//	m := telemetry.NewMetrics(telemetry.WithRegistry(reg), telemetry.WithNamespace("pos"))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// Every recording method is nil-safe; components accept a nil *Metrics
// when metrics are not wanted.
//
// Spans use the global OpenTelemetry tracer provider unless one is given:
//
//	tracer := telemetry.NewTracer("", nil)
//	ctx, span := tracer.Start(ctx, "ordersync.mutate_and_notify")
//	defer telemetry.End(span, err)
package telemetry
