package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/billingsync/internal/config"
)

const (
	productionSamplingRatio = 0.1
	defaultOTLPProtocol     = "grpc"
)

// Config holds the logging and telemetry settings of the service.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig derives observability settings from the service config. Outside
// production, logs default to console output, telemetry is off unless
// OTEL_ENABLED is set, and every trace is sampled.
func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: strings.TrimSpace(cfg.AppName),
		Environment: strings.ToLower(strings.TrimSpace(cfg.Environment)),
		Version:     strings.TrimSpace(cfg.AppVersion),
	}
	if out.ServiceName == "" {
		out.ServiceName = "billingsync"
	}

	format, ratio := "json", productionSamplingRatio
	if isDevEnv(out.Environment) {
		format, ratio = "console", 1
	}
	out.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	out.LogFormat = strings.ToLower(envOr("LOG_FORMAT", format))

	out.OtelEnabled = envBool("OTEL_ENABLED", cfg.IsProduction())
	out.OtelExporterEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimSpace(cfg.OTLPEndpoint))
	out.OtelExporterProtocol = strings.ToLower(envOr("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL",
		envOr("OTEL_EXPORTER_OTLP_PROTOCOL", defaultOTLPProtocol)))
	out.OtelSamplingRatio = envRatio("OTEL_SAMPLING_RATIO", ratio)
	return out
}

func (c Config) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") || isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func envOr(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func envBool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return parsed
}

// envRatio reads a sampling ratio, ignoring values outside [0, 1].
func envRatio(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return def
	}
	return parsed
}
