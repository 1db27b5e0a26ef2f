package cachekey

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/jmgilman/go/errors"
)

var ErrorMethodNotSupported = errors.New(errors.CodeInvalidInput, "Method not supported")

const methodSeparator = ":"

// CacheKeyer derives the request identity used for stored responses.
// Only GET requests have an identity; the key is the method and the
// absolute request URL without fragment.
type CacheKeyer struct {
	// Base URL that relative request targets are resolved against.
	// Usually this is the origin the worker fronts.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{
		Origin: origin,
	}
}

// Resolve turns a possibly relative URL into an absolute one.
// Absolute URLs (e.g. CDN assets) are kept as they are.
func (c CacheKeyer) Resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "Could not parse url %q", raw)
	}
	if !u.IsAbs() && c.Origin != nil {
		u = c.Origin.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// GetKey returns the cache key for a request.
// Requests received by the server only carry a path, which is resolved
// against the origin so that they share keys with precached entries.
// It returns ErrorMethodNotSupported for anything other than GET.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrorMethodNotSupported
	}
	return c.GetKeyForURL(r.URL.String())
}

// GetKeyForURL is GetKey for a plain GET of the given URL.
func (c CacheKeyer) GetKeyForURL(raw string) (string, error) {
	u, err := c.Resolve(raw)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + u.String(), nil
}

// GetRequestFromKey generates a request that results in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, errors.Newf(errors.CodeInvalidInput, "Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
