package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// CacheKeyer builds cache keys for requests to a single origin.
// A key is the request method followed by the absolute request URL, e.g.
// `GET:https://example.com/css/style.css`. Relative request URLs are resolved
// against the origin and fragments are dropped.
type CacheKeyer struct {
	// Base URL of the origin. Relative requests and manifest paths resolve against it.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	// a base without trailing slash would make `./x` resolve next to the last path segment
	if origin.Path == "" {
		origin.Path = "/"
	}
	origin.RawQuery = ""
	origin.Fragment = ""
	return CacheKeyer{Origin: origin}
}

// GetKey returns the cache key for the request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + methodSeparator + c.Resolve(r.URL).String()
}

// PathKey returns the GET cache key for a path relative to the origin, e.g. a manifest entry.
func (c CacheKeyer) PathKey(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("Path is not relative to origin: %s", path)
	}
	return http.MethodGet + methodSeparator + c.Resolve(ref).String(), nil
}

// Resolve returns the absolute form of u, resolved against the origin.
func (c CacheKeyer) Resolve(u *url.URL) *url.URL {
	abs := c.Origin.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	abs.Host = strings.ToLower(abs.Host)
	return abs
}

// SameOrigin reports whether the request targets the origin.
// Requests with a relative URL always do.
func (c CacheKeyer) SameOrigin(r *http.Request) bool {
	if r.URL.Host == "" {
		return true
	}
	return strings.EqualFold(r.URL.Scheme, c.Origin.Scheme) && strings.EqualFold(r.URL.Host, c.Origin.Host)
}

// GetRequestFromKey creates a request equal (caching-wise) to the one that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(method, uri, nil)
}
