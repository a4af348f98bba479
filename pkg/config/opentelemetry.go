package config

import (
	"errors"
	"fmt"
)

// OpenTelemetryConfig configures OpenTelemetry distributed tracing.
type OpenTelemetryConfig struct {
	// Enabled enables OpenTelemetry tracing. Default: false.
	Enabled bool `json:"enabled,omitzero"`

	// ServiceName is the service name to use in traces. Default: "pgdog".
	ServiceName string `json:"service_name,omitzero"`

	// OTLPEndpoint is the OTLP collector endpoint.
	// If not set, the OTEL_EXPORTER_OTLP_ENDPOINT environment variable is used.
	OTLPEndpoint string `json:"otlp_endpoint,omitzero"`

	// OTLPProtocol is the OTLP protocol to use: "grpc" or "http". Default: "grpc".
	OTLPProtocol string `json:"otlp_protocol,omitzero"`

	// SamplingRate is the sampling rate from 0.0 to 1.0. Default: 1.0 (sample all).
	SamplingRate *float64 `json:"sampling_rate,omitzero"`

	// IncludeQueryText includes SQL query text in spans. Default: false.
	// Warning: This may expose sensitive data in traces.
	IncludeQueryText bool `json:"include_query_text,omitzero"`
}

// GetServiceName returns the service name, defaulting to "pgdog".
func (c *OpenTelemetryConfig) GetServiceName() string {
	if c.ServiceName == "" {
		return "pgdog"
	}
	return c.ServiceName
}

// GetOTLPProtocol returns the OTLP protocol, defaulting to "grpc".
func (c *OpenTelemetryConfig) GetOTLPProtocol() string {
	if c.OTLPProtocol == "" {
		return "grpc"
	}
	return c.OTLPProtocol
}

// GetSamplingRate returns the sampling rate, defaulting to 1.0.
func (c *OpenTelemetryConfig) GetSamplingRate() float64 {
	if c.SamplingRate == nil {
		return 1.0
	}
	return *c.SamplingRate
}

// Validate validates the OpenTelemetry configuration.
func (c *OpenTelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	protocol := c.GetOTLPProtocol()
	if protocol != "grpc" && protocol != "http" {
		errs = append(errs, fmt.Errorf("otlp_protocol must be \"grpc\" or \"http\", got %q", protocol))
	}

	rate := c.GetSamplingRate()
	if rate < 0.0 || rate > 1.0 {
		errs = append(errs, fmt.Errorf("sampling_rate must be between 0.0 and 1.0, got %f", rate))
	}

	return errors.Join(errs...)
}
