package email

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendPasswordReset(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	err := client.SendPasswordReset("alice@example.com", "482913")
	if err != nil {
		t.Fatalf("send password reset: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.From != "noreply@example.com" {
		t.Errorf("From = %q, want %q", received.From, "noreply@example.com")
	}
	if received.Subject != "Reset your Shoplist password" {
		t.Errorf("Subject = %q, want %q", received.Subject, "Reset your Shoplist password")
	}
	if !strings.Contains(received.TextBody, "482913") {
		t.Errorf("TextBody missing reset code: %q", received.TextBody)
	}
	if !strings.Contains(received.HtmlBody, "482913") {
		t.Errorf("HtmlBody missing reset code: %q", received.HtmlBody)
	}
}

func TestSendPasswordResetNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com")

	err := client.SendPasswordReset("alice@example.com", "482913")
	if err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendPasswordResetAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient("test-token", "noreply@example.com")
	client.httpClient = &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}

	err := client.SendPasswordReset("alice@example.com", "482913")
	if err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	c1 := NewClient("token", "from@test.com")
	if !c1.Configured() {
		t.Error("expected Configured() = true")
	}

	c2 := NewClient("", "from@test.com")
	if c2.Configured() {
		t.Error("expected Configured() = false")
	}

	var c3 *Client
	if c3.Configured() {
		t.Error("expected Configured() = false for nil client")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
