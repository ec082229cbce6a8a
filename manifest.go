package offlinecache

import (
	"fmt"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// AssetManifest lists the paths, relative to the origin, that make up the app shell.
// Every path must be cached for an install to succeed.
type AssetManifest []string

// Keys returns the cache key of every manifest path, in manifest order.
func (m AssetManifest) Keys(keyer cachekey.CacheKeyer) ([]string, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("Asset manifest is empty")
	}
	keys := make([]string, 0, len(m))
	for _, path := range m {
		if path == "" {
			return nil, fmt.Errorf("Asset manifest contains an empty path")
		}
		key, err := keyer.PathKey(path)
		if err != nil {
			return nil, fmt.Errorf("Invalid manifest path %q: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
