package offlinecache

import (
	"errors"
	"fmt"
)

// ErrNotInstalled is returned when activating a version whose bucket does not exist.
var ErrNotInstalled = errors.New("cache version not installed")

// InstallError is returned when a manifest asset could not be cached.
// The previous cache version stays active.
type InstallError struct {
	Version string
	// Manifest path that failed, empty if storing the bucket failed.
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("install %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("install %s: fetch %s: %v", e.Version, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// FetchFailure is returned when a request is not cached and the network fetch failed.
type FetchFailure struct {
	Key string
	Err error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}
