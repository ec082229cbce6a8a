package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/always-cache/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

var testManifest = AssetManifest{"./", "./index.html", "./app.js"}

func testFiles() map[string]string {
	return map[string]string{
		"/":           "<html>root</html>",
		"/index.html": "<html>index</html>",
		"/app.js":     "console.log('v1')",
	}
}

// testOrigin is an origin server counting the requests it handles.
type testOrigin struct {
	*httptest.Server
	mutex    sync.Mutex
	files    map[string]string
	status   map[string]int
	requests map[string]int
	holds    map[string]chan struct{}
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	o := &testOrigin{
		files:    files,
		status:   make(map[string]int),
		requests: make(map[string]int),
		holds:    make(map[string]chan struct{}),
	}
	r := chi.NewRouter()
	r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		o.mutex.Lock()
		o.requests[r.URL.Path]++
		body, ok := o.files[r.URL.Path]
		status := o.status[r.URL.Path]
		hold := o.holds[r.URL.Path]
		o.mutex.Unlock()
		if hold != nil {
			<-hold
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if path.Ext(r.URL.Path) == ".js" {
			w.Header().Set("Content-Type", "text/javascript")
		}
		if status != 0 {
			w.WriteHeader(status)
		}
		io.WriteString(w, body)
	})
	o.Server = httptest.NewServer(r)
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) set(path, body string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.files[path] = body
}

func (o *testOrigin) setStatus(path string, status int) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.status[path] = status
}

// hold blocks responses for path until the returned release function is called.
func (o *testOrigin) hold(path string) (release func()) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	ch := make(chan struct{})
	o.holds[path] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mutex.Lock()
			delete(o.holds, path)
			o.mutex.Unlock()
			close(ch)
		})
	}
}

func (o *testOrigin) count(path string) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.requests[path]
}

func (o *testOrigin) total() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	total := 0
	for _, n := range o.requests {
		total += n
	}
	return total
}

func (o *testOrigin) originURL(t *testing.T) url.URL {
	u, err := url.Parse(o.URL)
	if err != nil {
		t.Fatal(err)
	}
	return *u
}

func newTestCache(t *testing.T, o *testOrigin, provider cache.CacheProvider, version string, configure ...func(*Config)) *OfflineCache {
	config := Config{
		Cache:     provider,
		OriginURL: o.originURL(t),
		Version:   version,
		Manifest:  testManifest,
		Logger:    &log.Logger,
	}
	for _, f := range configure {
		f(&config)
	}
	a, err := CreateCache(config)
	if err != nil {
		t.Fatalf("Could not create cache: %v", err)
	}
	return a
}

// get resolves the request, reads the whole body and waits for background cache writes.
func get(t *testing.T, a *OfflineCache, target string, header ...string) (*http.Response, string, error) {
	req, err := http.NewRequest("GET", target, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res, err := a.Interceptor.Resolve(req)
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("Could not read body: %v", err)
	}
	a.Interceptor.Wait()
	return res, string(body), nil
}

func buckets(t *testing.T, provider cache.CacheProvider) []string {
	names, err := provider.Buckets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return names
}

func stored(t *testing.T, a *OfflineCache, provider cache.CacheProvider, bucket, path string) bool {
	key, err := a.Controller.keyer.PathKey(path)
	if err != nil {
		t.Fatal(err)
	}
	_, ok, err := provider.Get(context.Background(), bucket, key)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

// TestFirstLoadScenario walks through a first load:
// 1. An old `v0` bucket is left over from a previous version.
// 2. Register installs the manifest into `v1` and activates it, deleting `v0`.
// 3. Requests for manifest assets are answered without touching the network.
// 4. The origin changes app.js, but the cached copy keeps being served until a version bump.
func TestFirstLoadScenario(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, testFiles())
	provider := cache.NewMemCache()
	provider.PutBucket(ctx, "v0", []cache.CacheEntry{cache.NewCacheEntry("GET:http://old/", []byte("old"))})
	provider.SetActiveBucket(ctx, "v0")

	a := newTestCache(t, o, provider, "v1")
	if err := a.Controller.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if names := buckets(t, provider); len(names) != 1 || names[0] != "v1" {
		t.Fatalf("Buckets are %v", names)
	}
	if status := a.Controller.Status(); status.State != StateActive || status.Active != "v1" {
		t.Fatalf("Status is %+v", status)
	}
	if active, _ := provider.ActiveBucket(ctx); active != "v1" {
		t.Fatalf("Persisted active bucket is %s", active)
	}

	requests := o.total()
	_, body, err := get(t, a, "/app.js")
	if err != nil || body != "console.log('v1')" {
		t.Fatalf("Body is %s (%v)", body, err)
	}
	if o.total() != requests {
		t.Fatalf("Cached asset fetched from network")
	}

	o.set("/app.js", "console.log('v2')")
	if _, body, _ := get(t, a, "/app.js"); body != "console.log('v1')" {
		t.Fatalf("Body is %s", body)
	}
}

func TestCreateCacheValidatesConfig(t *testing.T) {
	o := newTestOrigin(t, testFiles())
	valid := Config{
		Cache:     cache.NewMemCache(),
		OriginURL: o.originURL(t),
		Version:   "v1",
		Manifest:  testManifest,
		Logger:    &log.Logger,
	}
	if _, err := CreateCache(valid); err != nil {
		t.Fatalf("Valid config rejected: %v", err)
	}

	for name, mutate := range map[string]func(*Config){
		"no cache":          func(c *Config) { c.Cache = nil },
		"no version":        func(c *Config) { c.Version = "" },
		"empty manifest":    func(c *Config) { c.Manifest = nil },
		"absolute manifest": func(c *Config) { c.Manifest = AssetManifest{"https://cdn.example/x.js"} },
		"relative origin":   func(c *Config) { c.OriginURL = url.URL{Path: "/app"} },
	} {
		config := valid
		mutate(&config)
		if _, err := CreateCache(config); err == nil {
			t.Fatalf("%s: config accepted", name)
		}
	}
}
