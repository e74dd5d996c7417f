// Package telemetry provides comprehensive observability instrumentation for Mashin.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging engine runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces exported to stdout
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "mashin"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID("run-123").WithURN("urn:pkg:linux:nginx")
//	logger.Info("Starting resource provisioning")
//	logger.WithError(err).Error("Provisioning failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into request flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("resource.urn", urn),
//	    attribute.String("change.kind", "create"),
//	)
//
//	// Record events
//	span.AddEvent("validation.complete")
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: stdout (development/default), none (testing). There
// is no remote collector in Mashin's deployment model, so no OTLP exporter
// is wired.
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record run execution
//	tel.Metrics.RecordRunStarted("user@example.com")
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//
//	// Record a resource_execute call
//	tel.Metrics.RecordResourceApply("create", "succeeded", duration, "pkg")
//
//	// Record provider calls
//	tel.Metrics.RecordProviderCall("pkg", "apply", duration)
//
//	// Record errors
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishRunStarted(runID, modulePath)
//	tel.Events.PublishResourceApplied(runID, urn, "create")
//	tel.Events.PublishPolicyViolation(urn, "destructive-operations", "delete denied in production")
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByURN
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "plan.execute",
//	    attribute.String("run.id", runID))
//	defer ic.End(err)
//
//	ic.Logger.Info("Executing plan")
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, modulePath, user)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	// Resource context, one per resource_execute call
//	ctx = telemetry.WithResourceContext(ctx, runID, urn, provider, kind)
//	defer telemetry.EndResourceContext(ctx, runID, urn, provider, kind, status, err)
//
//	// Provider operation
//	err := telemetry.RecordProviderOperation(ctx, "pkg", "apply", func() error {
//	    return provider.Apply(ctx, resource)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, stdout traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName: "mashin",
//	    ServiceVersion: "1.0.0",
//	    Environment: "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level: "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled: true,
//	        Exporter: "stdout",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled: true,
//	        ListenAddress: ":9090",
//	    },
//	}
//
// # Performance Considerations
//
// The telemetry system is designed for minimal overhead:
//
//  - Structured logging uses zerolog's zero-allocation approach
//  - Tracing uses sampling to reduce data volume in production
//  - Metrics use Prometheus's efficient storage format
//  - Events are buffered and batched to reduce I/O
//  - All operations are non-blocking when possible
//
// Typical overhead: <1% CPU, <10MB memory for moderate workloads
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures:
//  - All buffered events are handed to their subscribers
//  - All pending traces are exported
//
// The metrics server is not stopped by Shutdown.
//
// # Integration with the Mashin Engine
//
// The mashin commands, the pipeline and the planner integrate with telemetry
// when a Telemetry instance is in the context:
//
//  1. Run execution: run-level tracing and metrics (run and destroy commands)
//  2. Pipeline phases: Per-phase spans (prepare, read, apply, destroy)
//  3. Resources: Per-URN resource_execute and orphan-delete tracing with
//     provider context, plus drift-detection metrics and events
//
// The plugin host and the policy engine do not emit telemetry.
//
// # Exporters
//
// Tracing supports two exporters:
//
//  - "stdout": Print traces to stdout (development and production alike)
//  - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter
//
// # Common Metrics
//
// Key metrics exposed:
//
//  - mashin_runs_started_total{user}
//  - mashin_runs_completed_total{status}
//  - mashin_run_duration_seconds{status}
//  - mashin_resources_applied_total{kind,status}
//  - mashin_resource_apply_duration_seconds{kind,provider}
//  - mashin_provider_calls_total{provider,operation}
//  - mashin_provider_call_duration_seconds{provider,operation}
//  - mashin_errors_by_class_total{class}
//  - mashin_drift_detections_total{resource_type,status}
//  - mashin_active_runs
//
// # Best Practices
//
//  1. Always use context to propagate telemetry
//  2. Use component-specific loggers for clarity
//  3. Add meaningful attributes to spans
//  4. Record both success and failure metrics
//  5. Use appropriate log levels
//  6. Filter events to avoid overwhelming subscribers
//  7. Monitor telemetry overhead in production
//  8. Configure sampling for high-volume systems
//  9. Always call defer span.End() after starting a span
//  10. Shut down gracefully to avoid data loss
//
// # Security Considerations
//
//  - Never log sensitive data (credentials, keys, tokens)
//  - Sanitize URNs if they are derived from user-supplied secrets
//  - Limit metrics endpoint access via network policies
//  - Consider event data before adding to audit logs
//
package telemetry
