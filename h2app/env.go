package h2app

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"
)

// Environment defines the interface that all environment configurations must
// implement. Embed BaseEnvironment in your struct to satisfy this interface.
type Environment interface {
	port() int
	serviceName() string
	healthCheckPath() string
	logLevel() zapcore.Level
	otelExporter() string
	tlsCertFile() string
	tlsKeyFile() string
	protocolJSON() string
}

// BaseEnvironment contains the required environment variables.
// Embed this in your custom environment struct.
type BaseEnvironment struct {
	Port            int           `env:"BH2_PORT,required"`
	ServiceName     string        `env:"BH2_SERVICE_NAME,required"`
	HealthCheckPath string        `env:"BH2_HEALTH_CHECK_PATH" envDefault:"/healthz"`
	LogLevel        zapcore.Level `env:"BH2_LOG_LEVEL" envDefault:"info"`
	OtelExporter    string        `env:"BH2_OTEL_EXPORTER" envDefault:"stdout"`

	// TLSCertFile and TLSKeyFile enable TLS with h2 ALPN when both are set.
	// When unset the server speaks h2c with prior knowledge.
	TLSCertFile string `env:"BH2_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"BH2_TLS_KEY_FILE"`

	// ProtocolJSON holds a JSON blob overriding HTTP/2 protocol parameters,
	// e.g. {"maxRapidResets": 10, "rapidResetCheckPeriod": "5s"}. See
	// [NewProtocolConfig] for the recognized keys.
	ProtocolJSON string `env:"BH2_PROTOCOL_JSON"`
}

func (e BaseEnvironment) port() int {
	return e.Port
}

func (e BaseEnvironment) serviceName() string {
	return e.ServiceName
}

func (e BaseEnvironment) healthCheckPath() string {
	return e.HealthCheckPath
}

func (e BaseEnvironment) logLevel() zapcore.Level {
	return e.LogLevel
}

func (e BaseEnvironment) otelExporter() string {
	return e.OtelExporter
}

func (e BaseEnvironment) tlsCertFile() string {
	return e.TLSCertFile
}

func (e BaseEnvironment) tlsKeyFile() string {
	return e.TLSKeyFile
}

func (e BaseEnvironment) protocolJSON() string {
	return e.ProtocolJSON
}

var _ Environment = BaseEnvironment{}

// ParseEnv parses environment variables into the given Environment type.
func ParseEnv[E Environment]() func() (E, error) {
	return func() (e E, err error) {
		if err := env.Parse(&e); err != nil {
			return e, errors.Wrap(err, "failed to parse environment")
		}
		return e, nil
	}
}
