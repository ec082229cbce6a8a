package offlinecache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/offline-cache/cache"
)

type statusResponse struct {
	State     string `json:"state"`
	Version   string `json:"version"`
	Active    string `json:"active"`
	Waiting   string `json:"waiting"`
	LastError string `json:"lastError"`
}

func decodeStatus(t *testing.T, res *http.Response) statusResponse {
	defer res.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("Could not decode status: %v", err)
	}
	return status
}

func TestControlChannel(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, testFiles())
	provider := cache.NewMemCache()
	v1 := newTestCache(t, o, provider, "v1")
	if err := v1.Controller.Register(ctx); err != nil {
		t.Fatalf("Register v1: %v", err)
	}
	a := newTestCache(t, o, provider, "v2", func(c *Config) { c.DeferActivation = true })
	if err := a.Controller.Register(ctx); err != nil {
		t.Fatalf("Register v2: %v", err)
	}
	server := httptest.NewServer(a.Handler())
	defer server.Close()

	res, err := http.Get(server.URL + ControlPathPrefix + "/status")
	if err != nil {
		t.Fatal(err)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control is %s", cc)
	}
	status := decodeStatus(t, res)
	if status.State != "installed" || status.Active != "v1" || status.Waiting != "v2" || status.Version != "v2" {
		t.Fatalf("Status is %+v", status)
	}

	// app requests are served from the active version
	res, err = http.Get(server.URL + "/app.js")
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(res.Body)
	res.Body.Close()
	if cs := res.Header.Get("Cache-Status"); cs != "OfflineCache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}

	res, err = http.Post(server.URL+ControlPathPrefix+"/message", "application/json", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status code is %d", res.StatusCode)
	}
	status = decodeStatus(t, res)
	if status.State != "active" || status.Active != "v2" || status.Waiting != "" {
		t.Fatalf("Status is %+v", status)
	}
	if names := buckets(t, provider); len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Buckets are %v", names)
	}
}

func TestControlChannelRejectsInvalidMessages(t *testing.T) {
	o := newTestOrigin(t, testFiles())
	a := newTestCache(t, o, cache.NewMemCache(), "v1")
	server := httptest.NewServer(a.Handler())
	defer server.Close()

	for _, body := range []string{"", "SKIP_WAITING", `{"type":`} {
		res, err := http.Post(server.URL+ControlPathPrefix+"/message", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%q: status code is %d", body, res.StatusCode)
		}
	}

	// nothing is waiting, so SKIP_WAITING is a no-op
	res, err := http.Post(server.URL+ControlPathPrefix+"/message", "application/json", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status code is %d", res.StatusCode)
	}
	if status := decodeStatus(t, res); status.State != "no-cache" || status.Active != "" {
		t.Fatalf("Status is %+v", status)
	}
}
