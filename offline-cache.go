package offlinecache

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/rs/zerolog"
)

const (
	defaultFallbackPath       = "./index.html"
	defaultInstallConcurrency = 4
)

type Config struct {
	// Storage for cache buckets.
	Cache cache.CacheProvider
	// URL of the origin serving the app shell.
	// Manifest paths are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Cache version, e.g. `app-v1`. Names the bucket holding this generation of assets.
	// Bump it to replace all cached assets.
	Version string
	// Assets that must be cached for the app to work offline.
	Manifest AssetManifest
	// Document served to navigation requests when the network is unreachable.
	// Defaults to `./index.html`.
	FallbackPath string
	// Keep a newly installed version waiting until a SKIP_WAITING message arrives,
	// instead of activating it right after install.
	DeferActivation bool
	// Number of manifest assets fetched in parallel during install. Defaults to 4.
	InstallConcurrency int
	// Transport used for network requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// OfflineCache is the offline asset cache manager.
// It combines the lifecycle controller, which owns the cache buckets,
// with the fetch interceptor, which answers requests from the active bucket.
type OfflineCache struct {
	Controller  *Controller
	Interceptor *Interceptor
	log         zerolog.Logger
}

// CreateCache initializes the offline cache instance.
// It does not touch the network; call Controller.Register to install and activate the configured version.
func CreateCache(config Config) (*OfflineCache, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("No cache provider configured")
	}
	if config.Version == "" {
		return nil, fmt.Errorf("No cache version configured")
	}
	if config.OriginURL.Scheme == "" || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("Origin URL must be absolute: %s", config.OriginURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("version", config.Version).
		Logger()

	keyer := cachekey.NewCacheKeyer(config.OriginURL)
	manifestKeys, err := config.Manifest.Keys(keyer)
	if err != nil {
		return nil, err
	}

	fallbackPath := config.FallbackPath
	if fallbackPath == "" {
		fallbackPath = defaultFallbackPath
	}
	fallbackKey, err := keyer.PathKey(fallbackPath)
	if err != nil {
		return nil, fmt.Errorf("Invalid fallback path: %w", err)
	}
	if !contains(manifestKeys, fallbackKey) {
		logger.Warn().Str("fallback", fallbackPath).Msg("Fallback document is not part of the manifest")
	}

	concurrency := config.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultInstallConcurrency
	}

	o := newOrigin(keyer, config.OriginHost, config.Transport)

	controller := &Controller{
		cache:           config.Cache,
		keyer:           keyer,
		origin:          o,
		version:         config.Version,
		manifest:        config.Manifest,
		deferActivation: config.DeferActivation,
		concurrency:     concurrency,
		log:             logger,
	}

	interceptor := &Interceptor{
		cache:       config.Cache,
		keyer:       keyer,
		origin:      o,
		fallbackKey: fallbackKey,
		activeBucket: func() string {
			return controller.ActiveBucket()
		},
		onNavigate: controller.updateOnNavigate,
		log:        logger,
	}

	return &OfflineCache{
		Controller:  controller,
		Interceptor: interceptor,
		log:         logger,
	}, nil
}

// ServeHTTP implements the http.Handler interface.
// It serves app requests only; use Handler to include the control channel.
func (a *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Interceptor.ServeHTTP(w, r)
}

// RoundTrip implements the http.RoundTripper interface, so the cache can back an http.Client.
func (a *OfflineCache) RoundTrip(r *http.Request) (*http.Response, error) {
	return a.Interceptor.RoundTrip(r)
}

// origin fetches resources over the network.
type origin struct {
	keyer      cachekey.CacheKeyer
	originHost string
	httpClient http.Client
}

func newOrigin(keyer cachekey.CacheKeyer, originHost string, transport http.RoundTripper) *origin {
	if transport == nil {
		transport = http.DefaultTransport
		// use provided hostname for origin if configured
		if originHost != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: originHost,
				},
			}
		}
	}
	return &origin{
		keyer:      keyer,
		originHost: originHost,
		httpClient: http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// fetch the resource specified in the incoming request.
// Same-origin requests go to the origin, others are sent as they are.
func (o *origin) fetch(r *http.Request) (*http.Response, error) {
	sameOrigin := o.keyer.SameOrigin(r)
	uri := r.URL.String()
	if sameOrigin {
		uri = o.keyer.Resolve(r.URL).String()
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	if sameOrigin && o.originHost != "" {
		req.Host = o.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	return o.httpClient.Do(req)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
