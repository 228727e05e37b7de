package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/medusa-proxy/medusa/internal/backend"
	"github.com/medusa-proxy/medusa/internal/fetch"
)

const (
	ssLineHK = "ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ=@1.2.3.4:8388#hk-1"
	ssLineJP = "ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ=@5.6.7.8:8388#jp-1"
	ssLineUS = "ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ=@9.9.9.9:8388#us-1"
)

func subServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func source(url string) fetch.Source {
	return fetch.Source{URL: url, Timeout: 2 * time.Second, Retries: 1}
}

func TestRun_OneSourceDownStillSucceeds(t *testing.T) {
	good := subServer(t, ssLineHK+"\n")
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)

	p := New(Options{
		Sources: []fetch.Source{source(dead.URL), source(good.URL)},
		Backend: "glider",
	})
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.State() != StateDone {
		t.Fatalf("state = %s, want done", p.State())
	}
	if !strings.Contains(res.Config.Text, "forward=ss://aes-256-gcm:password@1.2.3.4:8388#hk-1") {
		t.Fatalf("output missing node: %q", res.Config.Text)
	}
	if res.Report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1 (the dead source)", res.Report.Failed())
	}
	if res.Report.Outcomes[0].URL != dead.URL || res.Report.Outcomes[0].Line != 0 {
		t.Fatalf("source failure not recorded first: %+v", res.Report.Outcomes[0])
	}
}

func TestRun_AllSourcesDownFails(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	p := New(Options{
		Sources: []fetch.Source{source(dead.URL), source(dead.URL)},
		Backend: "glider",
	})
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when every source fails")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *PipelineError", err)
	}
	if pe.AppError.Code != CodeNoUsableSource {
		t.Fatalf("code = %s, want %s", pe.AppError.Code, CodeNoUsableSource)
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %s, want failed", p.State())
	}
}

func TestRun_UnknownBackendFailsBeforeFetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	p := New(Options{
		Sources: []fetch.Source{source(srv.URL)},
		Backend: "clash",
	})
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	var re *backend.RenderError
	if !errors.As(err, &re) || re.AppError.Code != backend.CodeUnknownBackend {
		t.Fatalf("error = %v, want %s", err, backend.CodeUnknownBackend)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("server hit %d times before backend validation", n)
	}
}

func TestRun_DecodeFailureIsSourceLevel(t *testing.T) {
	junk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no uris here at all"))
	}))
	t.Cleanup(junk.Close)
	good := subServer(t, ssLineHK+"\n")

	p := New(Options{
		Sources: []fetch.Source{source(junk.URL), source(good.URL)},
		Backend: "glider",
	})
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", res.Report.Failed())
	}
	if res.Report.Succeeded() != 1 {
		t.Fatalf("succeeded = %d, want 1", res.Report.Succeeded())
	}
}

func TestRun_NameFilters(t *testing.T) {
	srv := subServer(t, strings.Join([]string{ssLineHK, ssLineJP, ssLineUS}, "\n"))

	p := New(Options{
		Sources: []fetch.Source{source(srv.URL)},
		Backend: "glider",
		Include: regexp2.MustCompile(`hk|jp`, 0),
		Exclude: regexp2.MustCompile(`jp`, 0),
	})
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.Filtered != 2 {
		t.Fatalf("filtered = %d, want 2", res.Report.Filtered)
	}
	if !strings.Contains(res.Config.Text, "#hk-1") ||
		strings.Contains(res.Config.Text, "#jp-1") ||
		strings.Contains(res.Config.Text, "#us-1") {
		t.Fatalf("filter result wrong: %q", res.Config.Text)
	}
}

func TestRun_RerunIsByteIdentical(t *testing.T) {
	srv := subServer(t, strings.Join([]string{ssLineHK, ssLineJP}, "\n"))
	opts := Options{
		Sources: []fetch.Source{source(srv.URL)},
		Backend: "glider",
	}

	first, err := New(opts).Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := New(opts).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Config.Text != second.Config.Text {
		t.Fatalf("re-run differs:\n%q\n%q", first.Config.Text, second.Config.Text)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	srv := subServer(t, ssLineHK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(Options{
		Sources: []fetch.Source{source(srv.URL)},
		Backend: "glider",
	})
	if _, err := p.Run(ctx); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %s, want failed", p.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateFetching: "fetching", StateDone: "done", StateFailed: "failed",
	} {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
