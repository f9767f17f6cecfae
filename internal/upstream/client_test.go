package upstream

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestGetJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("terms"); got != "asthma" {
			t.Errorf("expected terms=asthma, got %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("expected Accept header, got %q", got)
		}
		w.Write([]byte(`{"name":"asthma","count":3}`))
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	err := c.GetJSON(context.Background(), "test", srv.URL, url.Values{"terms": {"asthma"}}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "asthma" || out.Count != 3 {
		t.Errorf("unexpected decode result: %+v", out)
	}
}

func TestGetGzip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`["compressed"]`))
		gz.Close()
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	var out []string
	if err := c.GetJSON(context.Background(), "test", srv.URL, nil, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0] != "compressed" {
		t.Errorf("unexpected body: %v", out)
	}
}

func TestGetStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	_, err := c.Get(context.Background(), "test", srv.URL, url.Values{"apiKey": {"secret"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("expected 404 status error, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("api key leaked into error: %v", err)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatal("expected StatusError")
	}
	if !strings.Contains(se.URL, "REDACTED") {
		t.Errorf("expected redacted url, got %s", se.URL)
	}
}

func TestGetDecodeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	var out map[string]any
	if err := c.GetJSON(context.Background(), "test", srv.URL, nil, &out); err == nil {
		t.Error("expected decode error")
	}
}

func TestGetTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	c := New(opts)
	if _, err := c.Get(context.Background(), "test", srv.URL, nil); err == nil {
		t.Error("expected timeout error")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected short, got %s", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("expected abcd..., got %s", got)
	}
}

func TestGetTransportErrorRedactsKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	c := New(DefaultOptions())
	_, err := c.Get(context.Background(), "test", deadURL, url.Values{"apiKey": {"secret-one"}, "api_key": {"secret-two"}})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if strings.Contains(err.Error(), "secret-one") || strings.Contains(err.Error(), "secret-two") {
		t.Errorf("api key leaked into error: %v", err)
	}
	var ue *url.Error
	if !errors.As(err, &ue) || !strings.Contains(ue.URL, "REDACTED") {
		t.Errorf("expected a redacted url.Error, got %v", err)
	}
}
