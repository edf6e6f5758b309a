// Package alphavantage talks to the Alpha Vantage /query endpoint. Every
// call is a GET whose "function" parameter selects the dataset; the API key
// travels as the apikey parameter.
package alphavantage

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const defaultEndpoint = "https://www.alphavantage.co"

// ErrMissingKey is returned by NewClient for an empty API key.
var ErrMissingKey = errors.New("alphavantage: api key required")

// HTTPClient is the subset of *http.Client the client needs.
//
//go:generate mockgen -package=alphavantage_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	endpoint string
	doer     HTTPClient
	header   http.Header
	// params are sent with every call; they carry the API key.
	params url.Values
}

// ClientOption adjusts a Client at construction, or a single call when
// passed to one of the Get methods.
type ClientOption func(*Client)

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(endpoint string) ClientOption {
	return func(c *Client) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithHTTPClient(doer HTTPClient) ClientOption {
	return func(c *Client) { c.doer = doer }
}

// WithHeader adds header values on top of the ones already set.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingKey
	}
	c := &Client{
		endpoint: defaultEndpoint,
		doer:     http.DefaultClient,
		header:   http.Header{},
		params:   url.Values{"apikey": {apiKey}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// withCall returns a copy of c for one request with opts applied.
func (c *Client) withCall(opts []ClientOption) *Client {
	cp := &Client{endpoint: c.endpoint, doer: c.doer, header: c.header.Clone(), params: c.params}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}
