package connection

import (
	"context"
	"io"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"

	"relaywire.io/realtime/connection/httpclient"
	"relaywire.io/realtime/logger"
)

// ConnectivityChecker answers whether the network is up at all and whether
// websockets in particular get through. Both calls block.
type ConnectivityChecker interface {
	CheckNetwork(ctx context.Context) bool
	CheckWebSocket(ctx context.Context) bool
}

type HTTPConnectivityChecker struct {
	logger       *logger.Logger
	networkUrl   string
	webSocketUrl string
	timeout      time.Duration
}

func NewConnectivityChecker(logger *logger.Logger, networkUrl string, webSocketUrl string, timeout time.Duration) *HTTPConnectivityChecker {
	return &HTTPConnectivityChecker{
		logger:       logger,
		networkUrl:   networkUrl,
		webSocketUrl: webSocketUrl,
		timeout:      timeout,
	}
}

// CheckNetwork fetches a page that says "yes" whenever the internet is up
func (h *HTTPConnectivityChecker) CheckNetwork(ctx context.Context) bool {
	client, err := httpclient.New(h.logger, h.networkUrl, httpclient.HTTPOptions{Timeout: h.timeout})
	if err != nil {
		h.logger.Errorf("bad connectivity check url: %s", err)
		return false
	}

	response, err := client.Get(ctx)
	if err != nil {
		h.logger.Infof("connectivity check failed: %s", err)
		return false
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 64))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(body)) == "yes"
}

// CheckWebSocket opens and immediately closes a websocket
func (h *HTTPConnectivityChecker) CheckWebSocket(ctx context.Context) bool {
	if h.webSocketUrl == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conn, response, err := gorilla.DefaultDialer.DialContext(ctx, h.webSocketUrl, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		h.logger.Infof("websocket connectivity check failed: %s", err)
		return false
	}
	conn.Close()
	return true
}
