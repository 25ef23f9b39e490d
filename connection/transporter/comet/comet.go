/*
The comet package is the long-poll fallback transport. A connection is opened with a GET to
/comet/connect, which answers with the first batch of protocol messages including CONNECTED. From then
on inbound messages are fetched by repeatedly polling /comet/{connectionKey}/recv while outbound
messages are batched and posted to /comet/{connectionKey}/send.
*/
package comet

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/httpclient"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

const (
	connectEndpoint = "/comet/connect"

	sendRetries = 3

	// limits how long a goodbye to the service may take
	goodbyeTimeout = 5 * time.Second
)

type Comet struct {
	*transporter.Lifecycle

	tmb    tomb.Tomb
	logger *logger.Logger
	params transporter.Params

	baseUrl string

	mu            sync.Mutex
	connectionKey string
	sendBuffer    []*message.ProtocolMessage
	sendReady     chan struct{}
	closeOnce     sync.Once
}

func New(params transporter.Params, sink transporter.Sink, logger *logger.Logger) transporter.Transport {
	base := params.URL("https", "http", "")
	base.RawQuery = ""

	c := &Comet{
		logger:    logger,
		params:    params,
		baseUrl:   base.String(),
		sendReady: make(chan struct{}, 1),
	}
	c.Lifecycle = transporter.NewLifecycle(c, sink, params.Timeouts.RealtimeRequest, c.teardown, logger)
	return c
}

func (c *Comet) Kind() config.TransportKind {
	return config.TransportComet
}

func (c *Comet) Host() string {
	return c.params.Host
}

func (c *Comet) Connect() {
	c.tmb.Go(func() error {
		c.tmb.Go(c.sendLoop)
		return c.receiveLoop()
	})
}

func (c *Comet) receiveLoop() error {
	ctx := c.tmb.Context(context.Background())
	c.logger.Infof("Connecting to %s", c.baseUrl)

	batch, err := c.get(ctx, connectEndpoint, c.params.Query, c.params.Timeouts.HTTPRequest)
	if err != nil {
		c.fail(err)
		return nil
	}

	c.Preconnect()
	c.deliver(batch)

	for c.tmb.Alive() && !c.IsFinished() {
		key := c.key()
		if key == "" {
			c.Finish(transporter.EventFailed, errorinfo.New(errorinfo.CodeInternalConnection, 500,
				"comet connect response did not include a connection key"))
			return nil
		}

		batch, err := c.get(ctx, "/comet/"+key+"/recv", nil, c.params.Timeouts.CometRecv)
		if !c.tmb.Alive() {
			return nil
		} else if err != nil {
			c.fail(err)
			return nil
		}
		c.deliver(batch)
	}
	return nil
}

func (c *Comet) deliver(batch []*message.ProtocolMessage) {
	for _, pm := range batch {
		if err := pm.Validate(); err != nil {
			c.logger.Errorf("dropping invalid frame: %s", err)
			continue
		}

		if pm.Action == message.ActionConnected && pm.ConnectionDetails != nil {
			c.mu.Lock()
			c.connectionKey = pm.ConnectionDetails.ConnectionKey
			c.mu.Unlock()
		}

		c.logger.Tracef("received %s", pm)
		c.OnProtocolMessage(pm)
	}
}

func (c *Comet) fail(err error) {
	info := errorinfo.Wrap(err, errorinfo.CodeDisconnected, 0)
	if errorinfo.IsFatal(info) {
		c.Finish(transporter.EventFailed, info)
	} else {
		c.Finish(transporter.EventDisconnected, info)
	}
}

func (c *Comet) key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionKey
}

// Send buffers pm for the send loop. Messages handed over while a post is in
// flight go out together in the next one.
func (c *Comet) Send(pm *message.ProtocolMessage) error {
	c.mu.Lock()
	if c.connectionKey == "" || c.IsFinished() {
		c.mu.Unlock()
		return errorinfo.New(errorinfo.CodeDisconnected, 0, "cannot send message because comet transport is not connected")
	}
	c.sendBuffer = append(c.sendBuffer, pm)
	c.mu.Unlock()

	select {
	case c.sendReady <- struct{}{}:
	default:
	}
	return nil
}

func (c *Comet) sendLoop() error {
	ctx := c.tmb.Context(context.Background())

	for {
		select {
		case <-c.tmb.Dying():
			return nil
		case <-c.sendReady:
		}

		c.mu.Lock()
		batch := c.sendBuffer
		c.sendBuffer = nil
		key := c.connectionKey
		c.mu.Unlock()

		if len(batch) == 0 {
			continue
		}

		body, err := c.params.Codec.Marshal(batch)
		if err != nil {
			c.logger.Errorf("failed to encode %d messages: %s", len(batch), err)
			continue
		}

		c.logger.Tracef("sending %d messages", len(batch))
		if _, err := c.post(ctx, "/comet/"+key+"/send", body, sendRetries); err != nil {
			if !c.tmb.Alive() {
				return nil
			}
			c.fail(err)
			return nil
		}
	}
}

func (c *Comet) Close() {
	c.goodbye("close", transporter.EventClosed, nil)
}

func (c *Comet) Disconnect(err *errorinfo.ErrorInfo) {
	if err == nil {
		err = errorinfo.Disconnected()
	}
	c.goodbye("disconnect", transporter.EventDisconnected, err)
}

// goodbye tells the service we are going away without waiting for its answer
func (c *Comet) goodbye(endpoint string, eventType transporter.EventType, err *errorinfo.ErrorInfo) {
	if key := c.key(); key != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
			defer cancel()
			if _, err := c.post(ctx, "/comet/"+key+"/"+endpoint, nil, 0); err != nil {
				c.logger.Debugf("comet %s request failed: %s", endpoint, err)
			}
		}()
	}
	c.Finish(eventType, err)
}

func (c *Comet) Dispose() {
	c.Detach()
	c.teardown()
}

func (c *Comet) teardown() {
	c.closeOnce.Do(func() {
		c.tmb.Kill(nil)
	})
}

func (c *Comet) post(ctx context.Context, endpoint string, body []byte, retries uint64) ([]*message.ProtocolMessage, error) {
	options := c.options(endpoint, body, nil, c.params.Timeouts.CometSend)

	client, err := httpclient.NewWithRetries(c.logger, c.baseUrl, options, retries)
	if err != nil {
		return nil, err
	}

	response, err := client.Post(ctx)
	if err != nil {
		return nil, err
	}
	return c.decode(response)
}

func (c *Comet) get(ctx context.Context, endpoint string, query url.Values, timeout time.Duration) ([]*message.ProtocolMessage, error) {
	client, err := httpclient.New(c.logger, c.baseUrl, c.options(endpoint, nil, query, timeout))
	if err != nil {
		return nil, err
	}

	response, err := client.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.decode(response)
}

func (c *Comet) options(endpoint string, body []byte, query url.Values, timeout time.Duration) httpclient.HTTPOptions {
	headers := c.params.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Accept", c.params.Codec.ContentType())
	headers.Set("X-Request-Id", uuid.New().String())
	if body != nil {
		headers.Set("Content-Type", c.params.Codec.ContentType())
	}

	return httpclient.HTTPOptions{
		Endpoint: endpoint,
		Body:     body,
		Headers:  headers,
		Params:   query,
		Timeout:  timeout,
		Codec:    c.params.Codec,
	}
}

func (c *Comet) decode(response *http.Response) ([]*message.ProtocolMessage, error) {
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errorinfo.Wrap(fmt.Errorf("failed to read comet response: %w", err), errorinfo.CodeDisconnected, 0)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var batch []*message.ProtocolMessage
	if err := c.params.Codec.Unmarshal(data, &batch); err != nil {
		return nil, errorinfo.Wrap(fmt.Errorf("failed to decode comet response: %w", err), errorinfo.CodeBadRequest, 0)
	}
	return batch, nil
}
