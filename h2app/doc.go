// Package h2app provides a batteries-included runtime for building HTTP/2
// services on top of the bh2 protocol core.
//
// # Overview
//
// h2app handles the boilerplate of setting up an HTTP/2 server: environment
// parsing, structured logging, OpenTelemetry tracing, prometheus metrics,
// and graceful shutdown. A complete application can be created in a single
// call:
//
//	h2app.NewApp[Env](func(m *h2app.Mux, h *Handlers) {
//	    m.HandleFunc("GET /items", h.ListItems)
//	    m.HandleFunc("GET /items/{id}", h.GetItem, "get-item")
//	},
//	    h2app.WithFx(fx.Provide(NewHandlers)),
//	).Run()
//
// # Environment Configuration
//
// Define your environment by embedding [BaseEnvironment]:
//
//	type Env struct {
//	    h2app.BaseEnvironment
//	    MainTableName string `env:"MAIN_TABLE_NAME,required"`
//	}
//
// BaseEnvironment provides the following environment variables:
//
//	| Variable              | Required | Default  | Description                                 |
//	|-----------------------|----------|----------|---------------------------------------------|
//	| BH2_PORT              | Yes      | -        | Port the server listens on                  |
//	| BH2_SERVICE_NAME      | Yes      | -        | Service name for logging and tracing        |
//	| BH2_HEALTH_CHECK_PATH | No       | /healthz | Health check endpoint path                  |
//	| BH2_LOG_LEVEL         | No       | info     | Log level (debug, info, warn, error)        |
//	| BH2_OTEL_EXPORTER     | No       | stdout   | Trace exporter: "stdout" or "none"          |
//	| BH2_TLS_CERT_FILE     | No       | -        | TLS certificate; enables h2 via ALPN        |
//	| BH2_TLS_KEY_FILE      | No       | -        | TLS private key                             |
//	| BH2_PROTOCOL_JSON     | No       | -        | JSON overrides for HTTP/2 protocol knobs    |
//
// Without TLS the server speaks h2c with prior knowledge, which suits
// deployments behind a TLS-terminating proxy.
//
// # Protocol Configuration
//
// BH2_PROTOCOL_JSON overrides individual HTTP/2 protocol parameters without
// requiring a variable per knob; the blob is queried with gjson paths:
//
//	BH2_PROTOCOL_JSON={"maxRapidResets": 10, "rapidResetCheckPeriod": "5s"}
//
// See [NewProtocolConfig] for all recognized keys.
//
// # Runtime
//
// [Runtime] provides access to app-scoped dependencies and should be
// injected into handler constructors via fx:
//
//   - [Runtime.Env] returns the typed environment configuration
//   - [Runtime.Reverse] generates URLs for named routes
//   - [Runtime.NewRequest] returns an instrumented request builder for
//     outbound calls
//
// # Context
//
// Handlers receive a standard context.Context. Use the package-level
// functions to access request-scoped values:
//
//   - [Log] - trace-correlated zap logger
//   - [Span] - current OpenTelemetry span for custom instrumentation
//
// # Metrics
//
// The bh2 connection-safety counters (rapid-reset closures, refused
// streams, open streams) are registered on a prometheus registry served at
// GET /metrics.
//
// # Testing
//
// The companion [h2apptest] package spins up the identical DI graph under
// fxtest and offers [h2apptest.CallHandler] for unit-testing individual
// handlers without a server.
package h2app
