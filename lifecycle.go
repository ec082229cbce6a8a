package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of the cache.
type State int

const (
	// No cache version has been activated yet (first run).
	StateNoCache State = iota
	StateInstalling
	// A version is installed and waiting to be activated.
	StateInstalled
	StateActivating
	// A version is active and serving requests.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNoCache:
		return "no-cache"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MessageSkipWaiting activates an installed version without waiting.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a command sent to the controller over the control channel.
type Message struct {
	Type string `json:"type"`
}

// Status describes the lifecycle state of the cache.
type Status struct {
	State State `json:"state"`
	// Configured (current) cache version.
	Version string `json:"version"`
	// Bucket serving requests.
	Active string `json:"active,omitempty"`
	// Installed bucket waiting for activation.
	Waiting   string `json:"waiting,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Controller owns the set of cache buckets and moves the cache through its lifecycle:
// installing the configured version, activating it, and evicting stale versions.
type Controller struct {
	cache           cache.CacheProvider
	keyer           cachekey.CacheKeyer
	origin          *origin
	version         string
	manifest        AssetManifest
	deferActivation bool
	concurrency     int
	log             zerolog.Logger

	// serializes activations
	activateMutex sync.Mutex
	installs      singleflight.Group

	mutex      sync.RWMutex
	state      State
	active     string
	waiting    string
	installErr error
	// SKIP_WAITING arrived during the running install
	skipWaiting bool
}

// ActiveBucket returns the name of the bucket serving requests, empty if none.
func (c *Controller) ActiveBucket() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.active
}

// Status returns the current lifecycle status.
func (c *Controller) Status() Status {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	status := Status{
		State:   c.state,
		Version: c.version,
		Active:  c.active,
		Waiting: c.waiting,
	}
	if c.installErr != nil {
		status.LastError = c.installErr.Error()
	}
	return status
}

// Register restores the persisted cache state and brings the configured version into service.
// If the version is not stored yet it is installed. If it is installed but not active,
// it is activated (unless activation is deferred).
func (c *Controller) Register(ctx context.Context) error {
	active, err := c.cache.ActiveBucket(ctx)
	if err != nil {
		return fmt.Errorf("Could not read active bucket: %w", err)
	}
	buckets, err := c.cache.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("Could not list buckets: %w", err)
	}
	hasCurrent := contains(buckets, c.version)

	c.mutex.Lock()
	if active != "" && contains(buckets, active) {
		c.active = active
	}
	if hasCurrent && c.active != c.version {
		c.waiting = c.version
	}
	c.state = c.steadyState()
	c.mutex.Unlock()

	c.log.Info().
		Str("active", c.ActiveBucket()).
		Strs("buckets", buckets).
		Msg("Restored cache state")

	switch {
	case hasCurrent && active == c.version:
		// evict anything left over from an interrupted activation
		return c.Activate(ctx)
	case hasCurrent:
		if c.deferActivation {
			c.log.Info().Msg("Installed version waiting for activation")
			return nil
		}
		return c.Activate(ctx)
	default:
		return c.Install(ctx)
	}
}

// Install fetches every manifest asset and stores them in the bucket for the configured version.
// It either stores all assets or none; on failure the previous version stays active
// and an *InstallError is returned.
// Unless activation is deferred, a successful install continues with Activate.
// Concurrent calls share a single install.
func (c *Controller) Install(ctx context.Context) error {
	_, err, _ := c.installs.Do(c.version, func() (interface{}, error) {
		return nil, c.install(ctx)
	})
	return err
}

func (c *Controller) install(ctx context.Context) error {
	c.setState(StateInstalling)
	c.log.Info().Int("assets", len(c.manifest)).Msg("Installing cache version")

	entries, err := c.fetchManifest(ctx)
	if err == nil {
		if putErr := c.cache.PutBucket(ctx, c.version, entries); putErr != nil {
			err = &InstallError{Version: c.version, Err: putErr}
		}
	}
	if err != nil {
		c.mutex.Lock()
		c.installErr = err
		c.skipWaiting = false
		c.state = c.steadyState()
		c.mutex.Unlock()
		c.log.Error().Err(err).Msg("Could not install cache version")
		return err
	}

	c.mutex.Lock()
	c.installErr = nil
	c.waiting = c.version
	c.state = StateInstalled
	skipWaiting := c.skipWaiting
	c.skipWaiting = false
	c.mutex.Unlock()
	c.log.Info().Msg("Cache version installed")

	if c.deferActivation && !skipWaiting {
		return nil
	}
	return c.Activate(ctx)
}

// fetchManifest fetches all manifest assets in parallel and returns them as cache entries.
// It fails on the first asset that cannot be fetched.
func (c *Controller) fetchManifest(ctx context.Context) ([]cache.CacheEntry, error) {
	entries := make([]cache.CacheEntry, len(c.manifest))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, path := range c.manifest {
		i, path := i, path
		g.Go(func() error {
			entry, err := c.fetchAsset(ctx, path)
			if err != nil {
				return &InstallError{Version: c.version, Path: path, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Controller) fetchAsset(ctx context.Context, path string) (cache.CacheEntry, error) {
	key, err := c.keyer.PathKey(path)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	req, err := c.keyer.GetRequestFromKey(key)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	res, err := c.origin.fetch(req.WithContext(ctx))
	if err != nil {
		return cache.CacheEntry{}, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 || res.StatusCode == http.StatusPartialContent {
		res.Body.Close()
		return cache.CacheEntry{}, fmt.Errorf("Unexpected status %d", res.StatusCode)
	}
	snapshot, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.CacheEntry{}, err
	}
	c.log.Trace().Str("key", key).Int("bytes", len(snapshot)).Msg("Fetched manifest asset")
	return cache.NewCacheEntry(key, snapshot), nil
}

// Activate makes the configured version the active one.
// It deletes every bucket not belonging to the configured version and then
// switches request handling over to the configured version immediately.
// It returns ErrNotInstalled if the configured version has no bucket.
func (c *Controller) Activate(ctx context.Context) error {
	c.activateMutex.Lock()
	defer c.activateMutex.Unlock()

	c.setState(StateActivating)
	err := c.activate(ctx)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.state = c.steadyState()
		c.log.Error().Err(err).Msg("Could not activate cache version")
		return err
	}
	// claim: requests are served from the new version from now on
	c.active = c.version
	c.waiting = ""
	c.state = StateActive
	c.log.Info().Msg("Cache version active")
	return nil
}

func (c *Controller) activate(ctx context.Context) error {
	buckets, err := c.cache.Buckets(ctx)
	if err != nil {
		return err
	}
	if !contains(buckets, c.version) {
		return ErrNotInstalled
	}
	for _, bucket := range buckets {
		if bucket == c.version {
			continue
		}
		c.log.Info().Str("bucket", bucket).Msg("Removing stale cache bucket")
		if _, err := c.cache.DeleteBucket(ctx, bucket); err != nil {
			return fmt.Errorf("Could not delete bucket %s: %w", bucket, err)
		}
	}
	return c.cache.SetActiveBucket(ctx, c.version)
}

// HandleControlMessage executes a command received over the control channel.
// SKIP_WAITING activates a waiting version, or the version being installed once the install
// completes; unknown messages are ignored.
func (c *Controller) HandleControlMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		c.mutex.Lock()
		waiting := c.waiting
		if waiting == "" && c.state == StateInstalling {
			c.skipWaiting = true
			c.mutex.Unlock()
			c.log.Info().Msg("Skip waiting requested during install, activating when installed")
			return nil
		}
		c.mutex.Unlock()
		if waiting == "" {
			c.log.Debug().Msg("Skip waiting requested, but no version is waiting")
			return nil
		}
		c.log.Info().Msg("Skipping wait, activating installed version")
		return c.Activate(ctx)
	default:
		c.log.Trace().Str("type", msg.Type).Msg("Ignoring unknown control message")
		return nil
	}
}

// NeedsUpdate reports whether the last install failed and the configured version is not in service.
func (c *Controller) NeedsUpdate() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.installErr != nil &&
		c.state != StateInstalling &&
		c.active != c.version &&
		c.waiting != c.version
}

// updateOnNavigate retries a failed install in the background, the way a page load would.
func (c *Controller) updateOnNavigate() {
	if !c.NeedsUpdate() {
		return
	}
	go func() {
		if err := c.Install(context.Background()); err != nil {
			c.log.Debug().Err(err).Msg("Install retry on navigation failed")
		}
	}()
}

func (c *Controller) setState(state State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
}

// steadyState is the state to return to after a transition ends.
// The caller must hold the mutex.
func (c *Controller) steadyState() State {
	switch {
	case c.waiting != "":
		return StateInstalled
	case c.active != "":
		return StateActive
	default:
		return StateNoCache
	}
}
