/*
package config defines the tunables of a realtime client. Options can be built in code starting
from Default(), or loaded from a yaml file with Load. When loading, environment variables take
precedence over values read from the file so that a deployed process and its config file never
disagree about credentials or endpoints.
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

type TransportKind string

const (
	TransportWebSocket TransportKind = "web_socket"
	TransportComet     TransportKind = "comet"
)

type Timeouts struct {
	DisconnectedRetry  time.Duration `yaml:"disconnectedRetry"`
	SuspendedRetry     time.Duration `yaml:"suspendedRetry"`
	ChannelRetry       time.Duration `yaml:"channelRetry"`
	RealtimeRequest    time.Duration `yaml:"realtimeRequest"`
	ConnectionStateTTL time.Duration `yaml:"connectionStateTtl"`
	WebSocketConnect   time.Duration `yaml:"webSocketConnect"`
	WebSocketSlow      time.Duration `yaml:"webSocketSlow"`
	HTTPRequest        time.Duration `yaml:"httpRequest"`
	HTTPMaxRetry       time.Duration `yaml:"httpMaxRetry"`
	CometRecv          time.Duration `yaml:"cometRecv"`
	CometSend          time.Duration `yaml:"cometSend"`
}

type Options struct {
	// Auth material. Either Key or Token, or an auth callback supplied in code.
	Key      string `yaml:"key"`
	Token    string `yaml:"token"`
	ClientID string `yaml:"clientId"`

	RealtimeHost  string   `yaml:"realtimeHost"`
	RestHost      string   `yaml:"restHost"`
	FallbackHosts []string `yaml:"fallbackHosts"`
	Port          int      `yaml:"port"`
	TLSPort       int      `yaml:"tlsPort"`
	TLS           bool     `yaml:"tls"`

	Format     Format          `yaml:"format"`
	Transports []TransportKind `yaml:"transports"`

	// Probe endpoints used when the socket transport is slow to connect
	ConnectivityCheckURL     string `yaml:"connectivityCheckUrl"`
	WebSocketCheckURL        string `yaml:"webSocketCheckUrl"`
	DisableConnectivityCheck bool   `yaml:"disableConnectivityCheck"`

	// AutoConnect starts connecting as soon as the client is created
	AutoConnect        bool   `yaml:"autoConnect"`
	QueueMessages      bool   `yaml:"queueMessages"`
	EchoMessages       bool   `yaml:"echoMessages"`
	Recover            string `yaml:"recover"`
	RecoverFromStorage bool   `yaml:"recoverFromStorage"`
	// Directory for persisted transport preference and recovery hints. Empty disables persistence.
	StoragePath string `yaml:"storagePath"`

	MaxMessageSize    int `yaml:"maxMessageSize"`
	HTTPMaxRetryCount int `yaml:"httpMaxRetryCount"`
	// Message data larger than this many bytes is zstd compressed before publishing. 0 disables.
	CompressThreshold int `yaml:"compressThreshold"`
	// Give published messages ids so the service can discard retried duplicates
	IdempotentPublishing bool `yaml:"idempotentPublishing"`

	Timeouts Timeouts `yaml:"timeouts"`

	LogLevel    string `yaml:"logLevel"`
	LogFilePath string `yaml:"logFilePath"`

	MetricsNamespace string `yaml:"metricsNamespace"`

	// Agent identifies this library to the service
	Agent string `yaml:"agent"`
}

const (
	DefaultRealtimeHost = "realtime.relaywire.io"
	DefaultRestHost     = "rest.relaywire.io"
	DefaultAgent        = "relaywire-go/1.0"
	ProtocolVersion     = "2"

	envPrefix = "REALTIME_"
)

func DefaultTimeouts() Timeouts {
	return Timeouts{
		DisconnectedRetry:  15 * time.Second,
		SuspendedRetry:     30 * time.Second,
		ChannelRetry:       15 * time.Second,
		RealtimeRequest:    10 * time.Second,
		ConnectionStateTTL: 120 * time.Second,
		WebSocketConnect:   10 * time.Second,
		WebSocketSlow:      4 * time.Second,
		HTTPRequest:        10 * time.Second,
		HTTPMaxRetry:       15 * time.Second,
		CometRecv:          90 * time.Second,
		CometSend:          10 * time.Second,
	}
}

func Default() *Options {
	return &Options{
		RealtimeHost: DefaultRealtimeHost,
		RestHost:     DefaultRestHost,
		FallbackHosts: []string{
			"a.fallback.relaywire.io",
			"b.fallback.relaywire.io",
			"c.fallback.relaywire.io",
			"d.fallback.relaywire.io",
			"e.fallback.relaywire.io",
		},
		Port:              80,
		TLSPort:           443,
		TLS:               true,
		Format:            FormatJSON,
		Transports:        []TransportKind{TransportWebSocket, TransportComet},
		AutoConnect:       true,
		QueueMessages:     true,
		EchoMessages:      true,
		MaxMessageSize:    65536,
		HTTPMaxRetryCount: 3,
		Timeouts:          DefaultTimeouts(),
		LogLevel:          "info",
		MetricsNamespace:  "realtime_client",
		Agent:             DefaultAgent,
	}
}

// Load reads options from a yaml file on top of the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Options, error) {
	opts := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, &FileError{Path: path, Err: err}
		default:
			if err := yaml.Unmarshal(data, opts); err != nil {
				return nil, &FileError{Path: path, Err: err}
			}
		}
	}

	opts.ApplyEnv()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ApplyEnv overwrites options with any REALTIME_* environment variables that are set
func (o *Options) ApplyEnv() {
	strs := map[string]*string{
		"KEY":           &o.Key,
		"TOKEN":         &o.Token,
		"CLIENT_ID":     &o.ClientID,
		"REALTIME_HOST": &o.RealtimeHost,
		"REST_HOST":     &o.RestHost,
		"RECOVER":       &o.Recover,
		"STORAGE_PATH":  &o.StoragePath,
		"LOG_LEVEL":     &o.LogLevel,
		"LOG_FILE":      &o.LogFilePath,
	}

	for name, field := range strs {
		if value, ok := os.LookupEnv(envPrefix + name); ok {
			*field = value
		}
	}

	if value, ok := os.LookupEnv(envPrefix + "FORMAT"); ok {
		o.Format = Format(strings.ToLower(value))
	}

	if value, ok := os.LookupEnv(envPrefix + "FALLBACK_HOSTS"); ok {
		o.FallbackHosts = splitList(value)
	}

	if value, ok := os.LookupEnv(envPrefix + "TRANSPORTS"); ok {
		o.Transports = nil
		for _, t := range splitList(value) {
			o.Transports = append(o.Transports, TransportKind(t))
		}
	}

	if value, ok := os.LookupEnv(envPrefix + "TLS"); ok {
		o.TLS = value != "false" && value != "0"
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects option combinations the client cannot work with. Auth
// material is not checked here since it may be supplied as a callback.
func (o *Options) Validate() error {
	switch o.Format {
	case FormatJSON, FormatMsgpack:
	default:
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", o.Format)}
	}

	if len(o.Transports) == 0 {
		return &ValidationError{Field: "transports", Reason: "at least one transport is required"}
	}
	for _, t := range o.Transports {
		if t != TransportWebSocket && t != TransportComet {
			return &ValidationError{Field: "transports", Reason: fmt.Sprintf("unknown transport %q", t)}
		}
	}

	if o.RealtimeHost == "" {
		return &ValidationError{Field: "realtimeHost", Reason: "must not be empty"}
	}

	if o.MaxMessageSize <= 0 {
		return &ValidationError{Field: "maxMessageSize", Reason: "must be positive"}
	}

	if o.ClientID == "*" {
		return &ValidationError{Field: "clientId", Reason: "wildcard clientId can only be granted by a token"}
	}
	return nil
}

func (o *Options) HasTransport(kind TransportKind) bool {
	for _, t := range o.Transports {
		if t == kind {
			return true
		}
	}
	return false
}

// ConnectPort returns the port matching the TLS setting
func (o *Options) ConnectPort() int {
	if o.TLS {
		return o.TLSPort
	}
	return o.Port
}

func (o *Options) Clone() *Options {
	clone := *o
	clone.FallbackHosts = append([]string(nil), o.FallbackHosts...)
	clone.Transports = append([]TransportKind(nil), o.Transports...)
	return &clone
}
