// Package httpclient builds the single shared HTTP client every Scanner
// and Worker request goes through: one user-agent, one optional credential
// pair, one connection-reuse transport.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// DefaultUserAgent matches the archive.org-facing identity this tool
// presents unless a caller overrides it.
const DefaultUserAgent = "grab-IA/2.0 (Archive Mirroring Tool; +https://github.com/grab-ia)"

// Credentials is the optional HTTP Basic auth pair used for archive.org
// requests that require it.
type Credentials struct {
	Access string
	Secret string
}

// Config controls the shared client's identity. Requests issued through
// it are never auto-retried at the transport level: attempt_count on the
// FileRecord is the one visible record of retry state, and a transparently
// retrying transport would retry underneath that contract.
type Config struct {
	UserAgent   string
	Credentials *Credentials
}

// Client wraps a shared *http.Client with the headers every outbound
// request needs.
type Client struct {
	http        *http.Client
	userAgent   string
	credentials *Credentials
}

// New builds the shared client. The transport bounds connecting and the
// wait for response headers at 15s each; there is no overall deadline, so
// long streaming bodies are never cut short.
func New(cfg Config) *Client {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
		// Connect/header timeout: streaming bodies themselves
		// have no overall deadline, only this response-header wait does.
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true, // raw bytes for byte-accurate resume/MD5
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   0, // no overall deadline; request contexts carry cancellation
		},
		userAgent:   userAgent,
		credentials: cfg.Credentials,
	}
}

// NewRequest builds a request carrying the shared User-Agent and, if
// configured, HTTP Basic credentials.
func (c *Client) NewRequest(method, url string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.credentials != nil {
		req.SetBasicAuth(c.credentials.Access, c.credentials.Secret)
	}
	return req, nil
}

// Do issues the request through the shared client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}
