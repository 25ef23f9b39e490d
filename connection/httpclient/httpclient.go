package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

const (
	defaultTimeout = 10 * time.Second

	// Error bodies larger than this are not decoded
	maxErrorBody = 64 * 1024
)

type HTTPOptions struct {
	Endpoint string
	Body     []byte
	Headers  http.Header
	Params   url.Values
	Timeout  time.Duration

	// Codec decodes error bodies. JSON if nil.
	Codec codec.Codec
}

type HttpClient struct {
	logger *logger.Logger
	client *http.Client

	backoffParams backoff.BackOff

	targetUrl string
	body      []byte
	headers   http.Header
	params    url.Values
	codec     codec.Codec
}

func New(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
) (*HttpClient, error) {

	if options.Endpoint != "" {
		combo, err := url.ParseRequestURI(serviceUrl)
		if err != nil {
			return nil, err
		}
		combo.Path = path.Join(combo.Path, options.Endpoint)
		serviceUrl = combo.String()
	} else if _, err := url.ParseRequestURI(serviceUrl); err != nil {
		return nil, err
	}

	if options.Headers == nil {
		options.Headers = http.Header{}
	}

	if options.Params == nil {
		options.Params = url.Values{}
	}

	if options.Timeout == 0 {
		options.Timeout = defaultTimeout
	}

	if options.Codec == nil {
		options.Codec = codec.JSON{}
	}

	return &HttpClient{
		logger: logger,
		client: &http.Client{
			Timeout: options.Timeout,
		},
		targetUrl: serviceUrl,
		body:      options.Body,
		headers:   options.Headers,
		params:    options.Params,
		codec:     options.Codec,
	}, nil
}

// NewWithRetries builds a client that retries failed requests with exponential
// backoff. Requests that got an error response from the service are never
// retried.
func NewWithRetries(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
	maxRetries uint64,
) (*HttpClient, error) {
	client, err := New(logger, serviceUrl, options)
	if err != nil {
		return nil, err
	}

	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.InitialInterval = 250 * time.Millisecond
	backoffParams.MaxInterval = 2 * time.Second
	backoffParams.MaxElapsedTime = options.Timeout

	client.backoffParams = backoff.WithMaxRetries(backoffParams, maxRetries)
	return client, nil
}

func (h *HttpClient) Post(ctx context.Context) (*http.Response, error) {
	return h.execute(ctx, http.MethodPost)
}

func (h *HttpClient) Get(ctx context.Context) (*http.Response, error) {
	return h.execute(ctx, http.MethodGet)
}

func (h *HttpClient) execute(ctx context.Context, method string) (*http.Response, error) {
	// If there is no backoff, then only execute request once
	if h.backoffParams == nil {
		return h.request(ctx, method)
	}

	var response *http.Response
	operation := func() error {
		var err error
		response, err = h.request(ctx, method)
		if err != nil && errorinfo.StatusCode(err) != 0 && errorinfo.StatusCode(err) < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		h.logger.Infof("retrying %s %s in %s: %s", method, h.targetUrl, next.Round(time.Millisecond), err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(h.backoffParams, ctx), notify)
	return response, err
}

func (h *HttpClient) request(ctx context.Context, method string) (*http.Response, error) {
	var body io.Reader
	if h.body != nil {
		body = bytes.NewReader(h.body)
	}

	request, err := http.NewRequestWithContext(ctx, method, h.targetUrl, body)
	if err != nil {
		return nil, err
	}
	request.Header = h.headers.Clone()
	request.URL.RawQuery = h.params.Encode()

	response, err := h.client.Do(request)
	if err != nil {
		return nil, errorinfo.Wrap(fmt.Errorf("%s request failed: %w", method, err), errorinfo.CodeDisconnected, 0)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		defer response.Body.Close()
		return nil, h.responseError(response)
	}

	return response, nil
}

// responseError decodes the error the service put in the body, falling back
// to one built from the status line
func (h *HttpClient) responseError(response *http.Response) *errorinfo.ErrorInfo {
	data, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))

	var wrapper struct {
		Error *errorinfo.ErrorInfo `json:"error"`
	}
	if len(data) > 0 {
		if err := h.codec.Unmarshal(data, &wrapper); err == nil && wrapper.Error != nil {
			if wrapper.Error.StatusCode == 0 {
				wrapper.Error.StatusCode = response.StatusCode
			}
			return wrapper.Error
		}
	}

	return errorinfo.New(response.StatusCode*100, response.StatusCode, "request failed with status %s", response.Status)
}
