package repository

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

type fakeBackend struct {
	name  string
	body  string
	err   error
	calls int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Fetch(ctx context.Context, product, version string) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestResolveAndFetch_FirstBackendServes(t *testing.T) {
	a := &fakeBackend{name: "a", body: "archive-a"}
	b := &fakeBackend{name: "b", body: "archive-b"}
	idx := NewIndex([]Backend{a, b}, time.Minute)

	rc, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0")
	if err != nil {
		t.Fatalf("ResolveAndFetch() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "archive-a" {
		t.Errorf("got %q, want archive-a", data)
	}
	if b.calls != 0 {
		t.Errorf("backend b should not have been tried, calls = %d", b.calls)
	}
}

func TestResolveAndFetch_FallsBackOnTransientError(t *testing.T) {
	a := &fakeBackend{name: "a", err: agenterrors.Classify(agenterrors.KindRepositoryTransient, errors.New("502"))}
	b := &fakeBackend{name: "b", body: "archive-b"}
	idx := NewIndex([]Backend{a, b}, time.Minute)

	rc, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0")
	if err != nil {
		t.Fatalf("ResolveAndFetch() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "archive-b" {
		t.Errorf("got %q, want archive-b", data)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls a=%d b=%d, want 1 and 1", a.calls, b.calls)
	}
}

func TestResolveAndFetch_NoRepositoryReachable(t *testing.T) {
	a := &fakeBackend{name: "a", err: agenterrors.Classify(agenterrors.KindRepositoryTransient, errors.New("dns error"))}
	b := &fakeBackend{name: "b", err: agenterrors.Classify(agenterrors.KindRepositoryTransient, errors.New("connection refused"))}
	idx := NewIndex([]Backend{a, b}, time.Minute)

	_, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0")
	if !errors.Is(err, agenterrors.ErrNoRepositoryReachable) {
		t.Errorf("error = %v, want ErrNoRepositoryReachable", err)
	}
}

func TestResolveAndFetch_ReachableButAbsent(t *testing.T) {
	a := &fakeBackend{name: "a", err: agenterrors.Classify(agenterrors.KindPackageFatal, agenterrors.ErrArtifactNotFound)}
	idx := NewIndex([]Backend{a}, time.Minute)

	_, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0")
	if !errors.Is(err, agenterrors.ErrArtifactNotFound) {
		t.Errorf("error = %v, want ErrArtifactNotFound", err)
	}
}

func TestResolveAndFetch_CachesWinningBackend(t *testing.T) {
	a := &fakeBackend{name: "a", err: agenterrors.Classify(agenterrors.KindRepositoryTransient, errors.New("502"))}
	b := &fakeBackend{name: "b", body: "archive-b"}
	idx := NewIndex([]Backend{a, b}, time.Minute)

	if _, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0"); err != nil {
		t.Fatalf("first ResolveAndFetch() error = %v", err)
	}
	if _, err := idx.ResolveAndFetch(context.Background(), "kafka", "2.7.0"); err != nil {
		t.Fatalf("second ResolveAndFetch() error = %v", err)
	}
	if a.calls != 1 {
		t.Errorf("backend a calls = %d, want 1 (second resolve should prefer cached winner b)", a.calls)
	}
	if b.calls != 2 {
		t.Errorf("backend b calls = %d, want 2", b.calls)
	}
}

func TestHTTPBackend_FetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/gzip" {
			t.Errorf("Accept header = %q, want application/gzip", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, srv.Client())
	rc, err := b.Fetch(context.Background(), "kafka", "2.7.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "data" {
		t.Errorf("got %q, want data", data)
	}
}

func TestHTTPBackend_NotFoundClassifiedAsArtifactNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, srv.Client())
	_, err := b.Fetch(context.Background(), "kafka", "2.7.0")
	if !errors.Is(err, agenterrors.ErrArtifactNotFound) {
		t.Errorf("error = %v, want ErrArtifactNotFound", err)
	}
}

func TestHTTPBackend_BadGatewayIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, srv.Client())
	_, err := b.Fetch(context.Background(), "kafka", "2.7.0")
	if agenterrors.KindOf(err) != agenterrors.KindRepositoryTransient {
		t.Errorf("KindOf(err) = %v, want KindRepositoryTransient", agenterrors.KindOf(err))
	}
}

func TestHTTPBackend_DisallowedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, srv.Client())
	_, err := b.Fetch(context.Background(), "kafka", "2.7.0")
	if err == nil {
		t.Fatal("Fetch() with disallowed content-type: want error, got nil")
	}
}
