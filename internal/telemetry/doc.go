// Package telemetry provides OpenTelemetry instrumentation for devcrew.
//
// New builds OTLP trace and metric providers (gRPC or HTTP/protobuf) from
// the telemetry section of the configuration and installs them as the otel
// globals, so spans and meters created anywhere in the process are exported:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// When telemetry is disabled the globals are left alone and every otel
// call in the process is a no-op. Exporter failures degrade the instance
// instead of failing startup.
package telemetry
