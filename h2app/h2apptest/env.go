package h2apptest

import (
	"strconv"
	"testing"
)

// Env provides a chainable builder for setting [h2app.BaseEnvironment] env
// vars via t.Setenv. Create one with [SetBaseEnv].
type Env struct {
	t testing.TB
}

// SetBaseEnv sets all [h2app.BaseEnvironment] env vars to sensible test
// defaults. Port is required because each test must use a unique port to
// avoid collisions.
//
// Defaults:
//   - BH2_SERVICE_NAME: "test"
//   - BH2_HEALTH_CHECK_PATH: "/healthz"
//   - BH2_OTEL_EXPORTER: "none"
//
// Use the returned [Env] to override individual values:
//
//	h2apptest.SetBaseEnv(t, 18085).ServiceName("other").ProtocolJSON(`{"maxRapidResets": 2}`)
func SetBaseEnv(t testing.TB, port int) *Env {
	t.Helper()
	t.Setenv("BH2_PORT", strconv.Itoa(port))
	t.Setenv("BH2_SERVICE_NAME", "test")
	t.Setenv("BH2_HEALTH_CHECK_PATH", "/healthz")
	t.Setenv("BH2_OTEL_EXPORTER", "none")
	return &Env{t: t}
}

// ServiceName overrides BH2_SERVICE_NAME.
func (e *Env) ServiceName(name string) *Env {
	e.t.Helper()
	e.t.Setenv("BH2_SERVICE_NAME", name)
	return e
}

// HealthCheckPath overrides BH2_HEALTH_CHECK_PATH.
func (e *Env) HealthCheckPath(path string) *Env {
	e.t.Helper()
	e.t.Setenv("BH2_HEALTH_CHECK_PATH", path)
	return e
}

// LogLevel overrides BH2_LOG_LEVEL.
func (e *Env) LogLevel(level string) *Env {
	e.t.Helper()
	e.t.Setenv("BH2_LOG_LEVEL", level)
	return e
}

// ProtocolJSON overrides BH2_PROTOCOL_JSON.
func (e *Env) ProtocolJSON(blob string) *Env {
	e.t.Helper()
	e.t.Setenv("BH2_PROTOCOL_JSON", blob)
	return e
}
