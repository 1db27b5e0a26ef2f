package network

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/jmgilman/go/errors"
)

// Fetcher performs a single network attempt for a request.
// A returned error means the network was unavailable; any HTTP status,
// including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client fetches requests from the origin (or, for absolute URLs, from wherever they point).
type Client struct {
	origin     *url.URL
	hostHeader string
	client     http.Client
}

// NewClient creates a fetcher for the given origin.
// If originHost is set it is used for the Host header and TLS negotiation,
// e.g. when the origin URL is just an IP address.
// A nil transport means http.DefaultTransport.
func NewClient(origin *url.URL, originHost string, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
		if originHost != "" {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: originHost,
				},
			}
		}
	}
	return &Client{
		origin:     origin,
		hostHeader: originHost,
		client: http.Client{
			Transport: transport,
			// do not follow redirects, the client gets them as they are
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch sends the request to the network.
// Relative request URLs are resolved against the origin.
func (c *Client) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := c.Resolve(r.URL)
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "Could not create request")
	}
	copyHeader(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	if c.hostHeader != "" && c.origin != nil && target.Host == c.origin.Host {
		req.Host = c.hostHeader
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeNetwork, "Network unavailable", map[string]interface{}{
			"url": target.String(),
		})
	}
	return res, nil
}

// Resolve returns the absolute URL a request is sent to.
func (c *Client) Resolve(u *url.URL) *url.URL {
	if u.IsAbs() || c.origin == nil {
		return u
	}
	return c.origin.ResolveReference(&url.URL{
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	})
}

// IsNetworkError reports whether err means the network could not be reached.
func IsNetworkError(err error) bool {
	return errors.GetCode(err) == errors.CodeNetwork
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"X-Forwarded-For":     {},
	"X-Forwarded-Proto":   {},
	"X-Forwarded-Host":    {},
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// hop-by-hop and upstream proxy headers stay with the incoming connection
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
