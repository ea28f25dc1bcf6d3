package relay

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestProxyClientRewritesRequests(t *testing.T) {
	var gotPath, gotUserAgent string

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUserAgent = r.Header.Get("User-Agent")
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("failed to parse proxy URL: %v", err)
	}

	client := NewProxyClient(*http.DefaultClient, *proxyURL)

	resp, err := client.Get("https://discord.com/gateway/bot")
	if err != nil {
		t.Fatalf("failed to request through proxy: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/api/v"+GatewayAPIVersion+"/gateway/bot" {
		t.Errorf("expected versioned api path, but got %q", gotPath)
	}

	if gotUserAgent != UserAgent {
		t.Errorf("expected user agent %q, but got %q", UserAgent, gotUserAgent)
	}
}

func TestProxyClientKeepsAPIPaths(t *testing.T) {
	var gotPath string

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("failed to parse proxy URL: %v", err)
	}

	client := NewProxyClientForVersion(*http.DefaultClient, *proxyURL, "9")

	resp, err := client.Get("https://discord.com/api/v9/users/@me")
	if err != nil {
		t.Fatalf("failed to request through proxy: %v", err)
	}
	resp.Body.Close()

	// Already-prefixed paths must not be double-prefixed.
	if gotPath != "/api/v9/users/@me" {
		t.Errorf("expected path to pass through, but got %q", gotPath)
	}
}

func TestProxyClientKeepsCallerUserAgent(t *testing.T) {
	var gotUserAgent string

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		t.Fatalf("failed to parse proxy URL: %v", err)
	}

	client := NewProxyClient(*http.DefaultClient, *proxyURL)

	req, err := http.NewRequest(http.MethodGet, "https://discord.com/gateway/bot", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	req.Header.Set("User-Agent", "custom-agent/1.0")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("failed to request through proxy: %v", err)
	}
	resp.Body.Close()

	if gotUserAgent != "custom-agent/1.0" {
		t.Errorf("expected caller user agent to survive, but got %q", gotUserAgent)
	}
}
