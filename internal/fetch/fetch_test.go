package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetch_UnsupportedScheme(t *testing.T) {
	_, err := Fetch(context.Background(), Source{URL: "file:///etc/passwd"})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "INVALID_ARGUMENT")
	}
	if fe.AppError.Stage != "fetch" {
		t.Fatalf("stage=%q, want=%q", fe.AppError.Stage, "fetch")
	}
}

func TestFetch_RetriesOn500ThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ss://abc@example.com:8388#n\n"))
	}))
	defer ts.Close()

	p, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("hits=%d, want=3", got)
	}
	if !strings.HasPrefix(string(p.Body), "ss://") {
		t.Fatalf("body=%q, want ss:// prefix", p.Body)
	}
}

func TestFetch_ExhaustsRetriesOn500(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 3})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.Reason != ReasonHTTPStatus {
		t.Fatalf("reason=%q, want=%q", fe.Reason, ReasonHTTPStatus)
	}
	if fe.AppError.Code != "FETCH_FAILED" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_FAILED")
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("hits=%d, want=3", got)
	}
}

func TestFetch_NoRetryOn404(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 3})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.Reason != ReasonHTTPStatus {
		t.Fatalf("reason=%q, want=%q", fe.Reason, ReasonHTTPStatus)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits=%d, want=1 (4xx must not be retried)", got)
	}
}

func TestFetch_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), Source{URL: ts.URL, Timeout: 30 * time.Millisecond, Retries: 1})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.Reason != ReasonTimeout {
		t.Fatalf("reason=%q, want=%q", fe.Reason, ReasonTimeout)
	}
	if fe.AppError.Code != "FETCH_TIMEOUT" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_TIMEOUT")
	}
}

func TestFetch_TooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), Source{URL: ts.URL, MaxBytes: 10, Retries: 1})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "TOO_LARGE" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "TOO_LARGE")
	}
}

func TestFetch_InvalidUTF8(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 0xff is always invalid in UTF-8.
		_, _ = w.Write([]byte{0xff, 0xfe, 0xfd})
	}))
	defer ts.Close()

	_, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 1})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "FETCH_INVALID_UTF8" {
		t.Fatalf("code=%q, want=%q", fe.AppError.Code, "FETCH_INVALID_UTF8")
	}
}

func TestFetch_FlagRequery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("flag") == "ss" {
			_, _ = w.Write([]byte("ss://dXNlcjpwYXNz@example.com:8388#flagged\n"))
			return
		}
		_, _ = w.Write([]byte("please append flag=ss to your subscription url"))
	}))
	defer ts.Close()

	p, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(p.Body), "#flagged") {
		t.Fatalf("body=%q, want flagged node list", p.Body)
	}
}

func TestFetch_NoFlagRequeryForNodeList(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Body mentions flag=ss but already is a node list.
		_, _ = w.Write([]byte("ss://dXNlcjpwYXNz@example.com:8388#flag=ss\n"))
	}))
	defer ts.Close()

	if _, err := Fetch(context.Background(), Source{URL: ts.URL, Retries: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits=%d, want=1", got)
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Fetch(ctx, Source{URL: ts.URL, Retries: 3})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
}
