package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func testKeyer(t *testing.T, origin string) CacheKeyer {
	u, err := url.Parse(origin)
	if err != nil {
		t.Fatal(err)
	}
	return NewCacheKeyer(*u)
}

func TestRequestFromKey(t *testing.T) {
	keygen := testKeyer(t, "http://dev.localhost")
	r, _ := http.NewRequest("GET", "/page", nil)
	key := keygen.GetKey(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if req.Method != "GET" {
		t.Fatalf("Method is %s", req.Method)
	}
}

func TestRelativeAndAbsoluteRequestsShareKey(t *testing.T) {
	keygen := testKeyer(t, "https://games.example")
	rel, _ := http.NewRequest("GET", "/js/app.js", nil)
	abs, _ := http.NewRequest("GET", "https://GAMES.example/js/app.js#top", nil)
	if keygen.GetKey(rel) != keygen.GetKey(abs) {
		t.Fatalf("Keys differ: %s != %s", keygen.GetKey(rel), keygen.GetKey(abs))
	}
	if key := keygen.GetKey(rel); key != "GET:https://games.example/js/app.js" {
		t.Fatalf("Key is %s", key)
	}
}

func TestQueryIsPartOfKey(t *testing.T) {
	keygen := testKeyer(t, "https://games.example")
	a, _ := http.NewRequest("GET", "/?level=1", nil)
	b, _ := http.NewRequest("GET", "/?level=2", nil)
	if keygen.GetKey(a) == keygen.GetKey(b) {
		t.Fatal("Query not included in key")
	}
}

func TestPathKeyMatchesRequestKey(t *testing.T) {
	keygen := testKeyer(t, "https://games.example/app/")
	for path, reqPath := range map[string]string{
		"./":              "/app/",
		"./index.html":    "/app/index.html",
		"./css/style.css": "/app/css/style.css",
	} {
		key, err := keygen.PathKey(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		r, _ := http.NewRequest("GET", reqPath, nil)
		if key != keygen.GetKey(r) {
			t.Fatalf("Key for %s is %s, request key is %s", path, key, keygen.GetKey(r))
		}
	}
	if _, err := keygen.PathKey("https://cdn.example/x.js"); err == nil {
		t.Fatal("Absolute path accepted")
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := testKeyer(t, "https://games.example")
	same, _ := http.NewRequest("GET", "/", nil)
	sameAbs, _ := http.NewRequest("GET", "https://games.example/x", nil)
	cross, _ := http.NewRequest("GET", "https://fonts.example/x", nil)
	scheme, _ := http.NewRequest("GET", "http://games.example/x", nil)
	if !keygen.SameOrigin(same) || !keygen.SameOrigin(sameAbs) {
		t.Fatal("Same origin request reported as cross-origin")
	}
	if keygen.SameOrigin(cross) || keygen.SameOrigin(scheme) {
		t.Fatal("Cross-origin request reported as same origin")
	}
}
