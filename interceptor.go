package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	tee "github.com/always-cache/offline-cache/pkg/body-tee"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// entryStore is the part of the cache provider the interceptor may use.
// It reads entries and adds them to existing buckets, but never creates or deletes buckets.
type entryStore interface {
	Get(ctx context.Context, bucket, key string) (cache.CacheEntry, bool, error)
	Put(ctx context.Context, bucket string, entry cache.CacheEntry) error
}

// Interceptor resolves requests cache-first.
// Cached responses are served without contacting the network. Misses are fetched
// from the network and, if cacheable, stored in the active bucket in the background.
type Interceptor struct {
	cache        entryStore
	keyer        cachekey.CacheKeyer
	origin       *origin
	fallbackKey  string
	activeBucket func() string
	onNavigate   func()
	log          zerolog.Logger
	writes       sync.WaitGroup
}

// Resolve returns the response for the request.
// It returns a *FetchFailure if the request is not cached and the network fetch failed
// (and, for navigations, no fallback document is cached).
//
// The body of a cacheable network response is stored once it has been read to the end,
// so callers should read it fully and close it.
func (i *Interceptor) Resolve(r *http.Request) (*http.Response, error) {
	res, _, err := i.resolve(r)
	return res, err
}

// RoundTrip implements the http.RoundTripper interface.
func (i *Interceptor) RoundTrip(r *http.Request) (*http.Response, error) {
	return i.Resolve(r)
}

// Wait blocks until all pending background cache writes are done.
func (i *Interceptor) Wait() {
	i.writes.Wait()
}

func (i *Interceptor) resolve(r *http.Request) (*http.Response, CacheStatus, error) {
	var cs CacheStatus
	key := i.keyer.GetKey(r)
	bucket := i.activeBucket()
	log := i.log.With().Str("key", key).Logger()

	navigate := isNavigation(r)
	if navigate && i.onNavigate != nil {
		i.onNavigate()
	}

	switch {
	case bucket == "":
		cs.Forward(FwdReasonBypass)
	case requestMethod(r) != http.MethodGet:
		cs.Forward(FwdReasonMethod)
	default:
		res, found := i.lookup(r, bucket, key)
		if res != nil {
			log.Trace().Msg("Serving from cache")
			cs.Hit()
			return res, cs, nil
		}
		if found {
			cs.Forward(FwdReasonMiss)
		} else {
			cs.Forward(FwdReasonUriMiss)
		}
	}

	log.Trace().Str("fwd", string(cs.FwdReason)).Msg("Fetching from network")
	res, err := i.origin.fetch(r)
	if err != nil {
		if navigate && bucket != "" {
			if fallback, _ := i.lookup(r, bucket, i.fallbackKey); fallback != nil {
				log.Debug().Err(err).Msg("Network failed, serving fallback document")
				cs.Detail = "fallback"
				return fallback, cs, nil
			}
		}
		return nil, cs, &FetchFailure{Key: key, Err: err}
	}

	if bucket != "" && i.mayStore(r, res) {
		stored := &http.Response{
			Status:     res.Status,
			StatusCode: res.StatusCode,
			Header:     res.Header.Clone(),
		}
		// clone the body while the caller reads it; store when complete
		res.Body = tee.NewBodySaver(res.Body, func(body []byte) {
			i.writeCacheAsync(bucket, key, stored, body)
		})
		cs.Stored = true
	}
	return res, cs, nil
}

// lookup returns the stored response for key in bucket.
// found reports whether an entry existed, even if it could not be used.
func (i *Interceptor) lookup(r *http.Request, bucket, key string) (res *http.Response, found bool) {
	log := i.log.With().Str("key", key).Str("bucket", bucket).Logger()
	entry, ok, err := i.cache.Get(r.Context(), bucket, key)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if err := entry.Verify(); err != nil {
		log.Warn().Err(err).Msg("Stored entry failed integrity check")
		return nil, true
	}
	res, err = serializer.BytesToResponse(entry.Bytes, r)
	if err != nil {
		log.Error().Err(err).Msg("Could not create response")
		return nil, true
	}
	return res, true
}

// mayStore reports whether a network response may be stored:
// a successful, same-origin response to a GET request.
func (i *Interceptor) mayStore(r *http.Request, res *http.Response) bool {
	return requestMethod(r) == http.MethodGet &&
		res.StatusCode == http.StatusOK &&
		i.keyer.SameOrigin(r)
}

// writeCacheAsync stores the response in a goroutine (do not slow down the response).
func (i *Interceptor) writeCacheAsync(bucket, key string, res *http.Response, body []byte) {
	i.writes.Add(1)
	go func() {
		defer i.writes.Done()
		i.writeCache(bucket, key, res, body)
	}()
}

// writeCache stores the response in the bucket it was looked up in.
// Failures are logged and otherwise ignored; caching is an optimization.
func (i *Interceptor) writeCache(bucket, key string, res *http.Response, body []byte) {
	log := i.log.With().Str("key", key).Str("bucket", bucket).Logger()
	if active := i.activeBucket(); active != bucket {
		log.Trace().Str("active", active).Msg("Bucket no longer active, not caching")
		return
	}
	snapshot, err := serializer.Snapshot(res, body)
	if err != nil {
		log.Warn().Err(err).Msg("Could not serialize response")
		return
	}
	if err := i.cache.Put(context.Background(), bucket, cache.NewCacheEntry(key, snapshot)); err != nil {
		if errors.Is(err, cache.ErrBucketNotFound) {
			log.Trace().Msg("Bucket removed, not caching")
			return
		}
		log.Warn().Err(err).Msg("Could not write to cache")
		return
	}
	log.Trace().Int("bytes", len(snapshot)).Msg("Cache write")
}

// requestMethod returns the request method, an empty method meaning GET.
func requestMethod(r *http.Request) string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// isNavigation reports whether the request loads a top-level document.
func isNavigation(r *http.Request) bool {
	if requestMethod(r) != http.MethodGet {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// ServeHTTP implements the http.Handler interface.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer i.recover(w, r)
	res, cs, err := i.resolve(r)
	if err != nil {
		i.log.Error().Err(err).Msg("Could not fetch response from network")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		i.logRequest(r, cs)
		return
	}
	i.send(w, r, res, cs)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (i *Interceptor) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		i.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		i.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (i *Interceptor) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := i.origin.fetch(r)
	if err != nil {
		i.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		i.log.Error().Err(err).Msg("Error writing to client")
	}
}

func (i *Interceptor) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		i.log.Error().Err(err).Msg("Could not write response body to client")
	}
	i.logRequest(r, cs)
	i.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (i *Interceptor) logRequest(r *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.Status == CacheStatusHit || cs.Detail == "fallback" {
		isHit = 1
	}
	i.log.Debug().
		Str("method", requestMethod(r)).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
