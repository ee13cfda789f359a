// Package telemetry provides observability instrumentation for the IPAM
// service.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
// Every component tolerates a nil receiver so callers that do not configure
// telemetry can pass nil.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("ipam")
//	logger.WithSubnetRange(rangeLink).WithResource(vmLink).Info("address allocated")
//
// The engine and the allocator take a zerolog.Logger; use Logger.Zerolog to
// hand the configured logger down.
//
// # Tracing
//
//	ctx, span := tel.Tracer.StartTaskSpan(ctx, task.Kind, task.Link, "STARTED")
//	defer telemetry.EndSpan(span, err)
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
//	tel.Metrics.RecordTaskCreated("ip-address-allocation")
//	tel.Metrics.RecordAllocation("allocate", "success", duration)
//	tel.Metrics.RecordAllocationConflict()
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
//
// # Events
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Println(event.Type, event.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeTaskFailed))
//
// Event filters: FilterByLevel, FilterByType, FilterByTaskLink.
package telemetry
