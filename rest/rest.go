/*
package rest makes the few plain HTTP requests a realtime client needs besides its connection, such
as fetching a channel's message history. Requests are authenticated with the same Auth the connection
uses and retried with backoff by the httpclient package.
*/
package rest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"

	"relaywire.io/realtime/auth"
	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/httpclient"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

const (
	headerVersion = "X-Relaywire-Version"
	headerAgent   = "Relaywire-Agent"
)

var nextLink = regexp.MustCompile(`<([^>]*)>\s*;\s*rel="?next"?`)

type Options struct {
	Config *config.Options
	Auth   auth.Auth
	// JSON if nil
	Codec codec.Codec
	// BaseURL overrides the url built from the configured rest host
	BaseURL string
}

type Client struct {
	logger  *logger.Logger
	config  *config.Options
	auth    auth.Auth
	codec   codec.Codec
	baseURL string
}

// HistoryPage is one page of a channel's history. Next is the service's link
// to the following page as sent, empty on the last page.
type HistoryPage struct {
	Items []*message.Message
	Next  string
}

func New(opts Options, logger *logger.Logger) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = restURL(opts.Config)
	}

	return &Client{
		logger:  logger,
		config:  opts.Config,
		auth:    opts.Auth,
		codec:   opts.Codec,
		baseURL: baseURL,
	}
}

func restURL(cfg *config.Options) string {
	scheme, defaultPort := "http", 80
	if cfg.TLS {
		scheme, defaultPort = "https", 443
	}

	host := cfg.RestHost
	if port := cfg.ConnectPort(); port != 0 && port != defaultPort {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + host
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// History fetches the first page of messages published on channel
func (c *Client) History(ctx context.Context, channel string, params url.Values) (*HistoryPage, error) {
	headers, err := c.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, errorinfo.Wrap(err, errorinfo.CodeAuthProviderFailed, 401)
	}
	if headers = headers.Clone(); headers == nil {
		headers = http.Header{}
	}
	headers.Set("Accept", c.codec.ContentType())
	headers.Set(headerVersion, config.ProtocolVersion)
	headers.Set(headerAgent, c.config.Agent)

	client, err := httpclient.NewWithRetries(
		c.logger,
		c.baseURL,
		httpclient.HTTPOptions{
			Endpoint: path.Join("channels", channel, "messages"),
			Headers:  headers,
			Params:   params,
			Timeout:  c.config.Timeouts.HTTPRequest,
			Codec:    c.codec,
		},
		uint64(c.config.HTTPMaxRetryCount),
	)
	if err != nil {
		return nil, errorinfo.New(errorinfo.CodeBadRequest, 400, "invalid history request: %s", err)
	}

	response, err := client.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errorinfo.Wrap(fmt.Errorf("failed to read history response: %w", err), errorinfo.CodeInternal, 500)
	}

	var items []*message.Message
	if len(body) > 0 {
		if err := c.codec.Unmarshal(body, &items); err != nil {
			return nil, errorinfo.Wrap(fmt.Errorf("malformed history response: %w", err), errorinfo.CodeInternal, 500)
		}
	}

	for _, m := range items {
		if err := m.Decode(nil); err != nil {
			c.logger.Errorf("history message %s on %s could not be decoded: %s", m.ID, channel, err)
		}
	}

	return &HistoryPage{
		Items: items,
		Next:  parseNext(response.Header),
	}, nil
}

func parseNext(header http.Header) string {
	for _, link := range header.Values("Link") {
		if match := nextLink.FindStringSubmatch(link); match != nil {
			return match[1]
		}
	}
	return ""
}
