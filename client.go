package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GatewayAPIVersion is the protocol version spoken on both the REST and
// websocket surfaces.
const GatewayAPIVersion = "10"

var UserAgent = fmt.Sprintf("Relay/%s (https://github.com/RelayTeam/Relay-Daemon)", Version)

// NewProxyClient returns a client that reroutes requests through a
// REST proxy such as twilight or nirn, so proxy-side rate limit
// tracking covers every call the daemon makes.
func NewProxyClient(client http.Client, proxy url.URL) *http.Client {
	return NewProxyClientForVersion(client, proxy, GatewayAPIVersion)
}

// NewProxyClientForVersion is NewProxyClient pinned to a specific API
// version prefix.
func NewProxyClientForVersion(client http.Client, proxy url.URL, apiVersion string) *http.Client {
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	client.Transport = &proxyTransport{
		proxy:      proxy,
		apiVersion: apiVersion,
		transport:  client.Transport,
	}

	return &client
}

type proxyTransport struct {
	proxy      url.URL
	apiVersion string
	transport  http.RoundTripper
}

func (t *proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxyReq := req.Clone(req.Context())

	proxyReq.URL.Scheme = t.proxy.Scheme
	proxyReq.URL.Host = t.proxy.Host
	proxyReq.Host = t.proxy.Host

	// Bare endpoint paths gain the versioned API prefix; paths already
	// under /api pass through untouched.
	if !strings.HasPrefix(proxyReq.URL.Path, "/api") {
		proxyReq.URL.Path = "/api/v" + t.apiVersion + proxyReq.URL.Path
	}

	if proxyReq.Header.Get("User-Agent") == "" {
		proxyReq.Header.Set("User-Agent", UserAgent)
	}

	resp, err := t.transport.RoundTrip(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to round trip: %w", err)
	}

	return resp, nil
}
