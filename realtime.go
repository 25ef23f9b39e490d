/*
package realtime is the entry point of the client. A Client wires one connection manager, its channels
and the collaborators they share (auth, wire codec, storage, metrics) around a single event loop, so that
everything a program needs to talk to the realtime service comes from one constructor.
*/
package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relaywire.io/realtime/auth"
	"relaywire.io/realtime/channel"
	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/connection/transporter/comet"
	"relaywire.io/realtime/connection/transporter/websocket"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/metrics"
	"relaywire.io/realtime/rest"
	"relaywire.io/realtime/storage"
)

type Options struct {
	Config *config.Options

	// Auth material that cannot come from a config file
	AuthCallback auth.AuthCallback
	TokenDetails *auth.TokenDetails

	// Storage replaces the file storage configured by Config.StoragePath
	Storage storage.Storage
	// Delta decodes vcdiff payloads for channels attached with {"delta": "vcdiff"}
	Delta message.DeltaDecoder
	// Metrics are only recorded when a registerer is given
	Registerer prometheus.Registerer

	// Transports replaces the built-in transport implementations
	Transports map[config.TransportKind]transporter.Factory
	// Checker replaces the http connectivity probes
	Checker connection.ConnectivityChecker
}

type Client struct {
	logger *logger.Logger
	config *config.Options

	auth       *auth.ClientAuth
	loop       *events.Queue
	callbacks  *events.Queue
	connection *connection.Manager
	channels   *channel.Channels
	rest       *rest.Client
}

func New(opts Options, logger *logger.Logger) (*Client, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	cfg := opts.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.GetComponentLogger("Realtime")

	clientAuth, err := auth.New(logger.GetComponentLogger("Auth"), auth.Options{
		Key:          cfg.Key,
		Token:        cfg.Token,
		TokenDetails: opts.TokenDetails,
		AuthCallback: opts.AuthCallback,
		ClientID:     cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}

	wireCodec, err := codec.ForFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	store := opts.Storage
	if store == nil && cfg.StoragePath != "" {
		if store, err = storage.NewFileStorage(cfg.StoragePath); err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	transports := opts.Transports
	if transports == nil {
		transports = map[config.TransportKind]transporter.Factory{
			config.TransportWebSocket: websocket.New,
			config.TransportComet:     comet.New,
		}
	}

	checker := opts.Checker
	if checker == nil && !cfg.DisableConnectivityCheck {
		networkURL, webSocketURL := probeURLs(cfg)
		checker = connection.NewConnectivityChecker(logger.GetComponentLogger("Connectivity"), networkURL, webSocketURL, cfg.Timeouts.HTTPRequest)
	}

	stats := metrics.New(cfg.MetricsNamespace, opts.Registerer)

	c := &Client{
		logger:    logger,
		config:    cfg,
		auth:      clientAuth,
		loop:      events.NewQueue(logger.GetComponentLogger("Loop")),
		callbacks: events.NewQueue(logger.GetComponentLogger("Callbacks")),
	}

	c.connection = connection.New(connection.Options{
		Config:     cfg,
		Auth:       clientAuth,
		Storage:    store,
		Codec:      wireCodec,
		Transports: transports,
		Checker:    checker,
		Metrics:    stats,
		Loop:       c.loop,
		Callbacks:  c.callbacks,
	}, logger.GetComponentLogger("ConnectionManager"))

	c.rest = rest.New(rest.Options{
		Config: cfg,
		Auth:   clientAuth,
		Codec:  wireCodec,
	}, logger.GetComponentLogger("Rest"))

	c.channels = channel.NewChannels(channel.Options{
		Config:     cfg,
		Connection: c.connection,
		History:    c.rest,
		Delta:      opts.Delta,
		Metrics:    stats,
		Loop:       c.loop,
		Callbacks:  c.callbacks,
	}, logger)
	c.connection.SetRouter(c.channels)

	if cfg.AutoConnect {
		c.connection.Connect()
	}
	return c, nil
}

// probeURLs are where the connectivity checker looks when a socket is slow to connect
func probeURLs(cfg *config.Options) (networkURL string, webSocketURL string) {
	httpScheme, wsScheme := "http", "ws"
	if cfg.TLS {
		httpScheme, wsScheme = "https", "wss"
	}

	networkURL = cfg.ConnectivityCheckURL
	if networkURL == "" {
		networkURL = fmt.Sprintf("%s://%s/is-the-internet-up.txt", httpScheme, cfg.RestHost)
	}
	webSocketURL = cfg.WebSocketCheckURL
	if webSocketURL == "" {
		webSocketURL = fmt.Sprintf("%s://%s:%d/ws-up", wsScheme, cfg.RealtimeHost, cfg.ConnectPort())
	}
	return networkURL, webSocketURL
}

func (c *Client) Connection() *connection.Manager {
	return c.connection
}

func (c *Client) Channels() *channel.Channels {
	return c.channels
}

// Channel is shorthand for Channels().Get(name)
func (c *Client) Channel(name string) *channel.Channel {
	return c.channels.Get(name)
}

func (c *Client) Auth() auth.Auth {
	return c.auth
}

// ClientID is the identity the service confirmed, or the configured one
// before connecting
func (c *Client) ClientID() string {
	return c.auth.ClientID()
}

func (c *Client) Connect() {
	c.connection.Connect()
}

// Ping measures a heartbeat round trip on the current connection
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	return c.connection.Ping(ctx)
}

// Authorize replaces the client's token and hands the new one to the service
// when connected
func (c *Client) Authorize(ctx context.Context) (*auth.TokenDetails, error) {
	return c.connection.Authorize(ctx)
}

// Close closes the connection, waits until the service has confirmed it or
// ctx is done, and then releases every resource the client holds. The client
// cannot be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.connection.Close()

	state, err := c.connection.WaitFor(ctx, connection.StateClosed, connection.StateFailed)
	c.connection.Dispose()
	c.loop.Stop()
	c.callbacks.Stop()

	if err != nil {
		return err
	}
	if state == connection.StateFailed {
		if reason := c.connection.ErrorReason(); reason != nil {
			return reason
		}
		return errorinfo.ConnectionFailed()
	}
	return nil
}
