// Package config defines the validated configuration surface a caller
// populates before starting a server (section 6's "External Interfaces").
// Parsing config files, environment variables, or flags into this struct
// is left to the embedding program: this package stops at Validate().
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// Protocol selects which transport(s) a service binds.
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolBoth Protocol = "both"
)

// ServiceConfig is the full configuration surface of one RPC service
// registration, validated with struct tags the way the teacher's
// NFSConfig/Config are.
type ServiceConfig struct {
	// Port is the single port to bind, mutually exclusive with PortRange.
	Port int `validate:"required_without=PortRange,omitempty,gt=0,lte=65535"`

	// PortRange, if set, is a "low-high" range the caller may probe for a
	// free port, mutually exclusive with Port.
	PortRange string `validate:"required_without=Port,omitempty"`

	// Protocol selects TCP, UDP, or both. Default: both.
	Protocol Protocol `validate:"required,oneof=TCP UDP both"`

	// PublishToPortmap controls whether the service self-registers with a
	// portmapper on start. Default: true.
	PublishToPortmap bool

	// ServiceName identifies this service in logs, metrics, and the
	// portmapper's owner field. Default: "ONCRPC Service".
	ServiceName string `validate:"required"`

	// WorkerThreadCount bounds concurrently-served TCP connections (the
	// transport.ReadThreadController knob). Default: runtime.NumCPU().
	WorkerThreadCount int `validate:"required,gte=1"`

	// GSSSessionManagerEnabled turns on the RPCSEC_GSS context store.
	// Optional; default false (AUTH_NONE/AUTH_SYS only).
	GSSSessionManagerEnabled bool

	// MaxRecordSize bounds a fully assembled TCP record. Default: 1 MiB.
	MaxRecordSize int `validate:"required,gt=0"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight handlers. Default: 10s.
	ShutdownTimeout time.Duration `validate:"required,gt=0"`

	// SeqWindowSize is the RPCSEC_GSS sliding sequence window size
	// advertised on INIT. Default: 128, floor: 32.
	SeqWindowSize int `validate:"required,gte=32"`

	// GSSContextTTL evicts idle RPCSEC_GSS contexts after this duration.
	// Default: 5m.
	GSSContextTTL time.Duration `validate:"required,gt=0"`

	// MetricsEnabled gates Prometheus collector registration. Default:
	// false.
	MetricsEnabled bool
}

// DefaultServiceConfig returns a ServiceConfig with every optional field
// at its documented default (ServiceName included), leaving Port/PortRange
// for the caller to fill in.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Protocol:          ProtocolBoth,
		PublishToPortmap:  true,
		ServiceName:       "ONCRPC Service",
		WorkerThreadCount: runtime.NumCPU(),
		MaxRecordSize:     1 << 20,
		ShutdownTimeout:   10 * time.Second,
		SeqWindowSize:     128,
		GSSContextTTL:     5 * time.Minute,
	}
}

var validate = validator.New()

// Validate checks c against its struct tags, returning a descriptive
// error naming every violated field.
func (c *ServiceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
