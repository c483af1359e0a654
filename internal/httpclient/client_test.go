package httpclient

import (
	"net/http/httptest"
	"testing"
)

func TestNewRequestSetsUserAgent(t *testing.T) {
	c := New(Config{})
	req, err := c.NewRequest("GET", "http://example.com/metadata/foo")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if got := req.Header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("expected default user agent, got %q", got)
	}
}

func TestNewRequestCustomUserAgent(t *testing.T) {
	c := New(Config{UserAgent: "custom/1.0"})
	req, _ := c.NewRequest("GET", "http://example.com/")
	if got := req.Header.Get("User-Agent"); got != "custom/1.0" {
		t.Errorf("expected custom user agent, got %q", got)
	}
}

func TestNewRequestAppliesBasicAuth(t *testing.T) {
	c := New(Config{Credentials: &Credentials{Access: "key", Secret: "secret"}})
	req, _ := c.NewRequest("GET", "http://example.com/")
	user, pass, ok := req.BasicAuth()
	if !ok || user != "key" || pass != "secret" {
		t.Errorf("expected basic auth key/secret, got %q/%q ok=%v", user, pass, ok)
	}
}

func TestDoIssuesRequest(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	c := New(Config{})
	req, err := c.NewRequest("GET", srv.URL)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
}
