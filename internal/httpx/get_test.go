package httpx

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func testClient() *http.Client {
	return NewClient("", 5*time.Second)
}

func TestGetJSONRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := GetJSON(context.Background(), testClient(), srv.URL, nil, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !out.OK {
		t.Fatal("decoded wrong body")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestGetJSON404IsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("layer does not exist"))
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), testClient(), srv.URL, nil, &struct{}{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("want UpstreamError, got %T: %v", err, err)
	}
	if ue.Status != 404 || !strings.Contains(ue.Tail, "layer does not exist") {
		t.Fatalf("bad error: %+v", ue)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("404 retried %d times", got)
	}
}

func TestGetJSONGzipWithoutHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`{"count":7}`))
		_ = zw.Close()
		// deliberately no Content-Encoding header
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	var out struct {
		Count int `json:"count"`
	}
	if err := GetJSON(context.Background(), testClient(), srv.URL, nil, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Count != 7 {
		t.Fatalf("count = %d", out.Count)
	}
}

func TestGetJSONDecodeErrorNamesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), testClient(), srv.URL, nil, &struct{}{})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), srv.URL) || !strings.Contains(err.Error(), "not json") {
		t.Fatalf("error lacks url or body tail: %v", err)
	}
}

func TestGetJSONAppliesParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("f") != "pjson" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	params := url.Values{"f": {"pjson"}}
	if err := GetJSON(context.Background(), testClient(), srv.URL, params, &struct{}{}); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
}

func TestIsRemoteClose(t *testing.T) {
	if !IsRemoteClose(io.ErrUnexpectedEOF) {
		t.Fatal("unexpected EOF should count")
	}
	if !IsRemoteClose(syscall.ECONNRESET) {
		t.Fatal("ECONNRESET should count")
	}
	if !IsRemoteClose(errors.New("read tcp: connection reset by peer")) {
		t.Fatal("string match should count")
	}
	if IsRemoteClose(errors.New("no such host")) {
		t.Fatal("dns failure is not a remote close")
	}
	if IsRemoteClose(nil) {
		t.Fatal("nil is not a remote close")
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", 500)
	if got := Tail([]byte(long)); len(got) != 200 {
		t.Fatalf("tail length = %d", len(got))
	}
}
