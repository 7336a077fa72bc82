package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// allowedContentTypes are the content types an HTTPS repository may answer
// a package GET with; anything else is skipped as a transient repository
// failure, the same as a non-2xx answer.
var allowedContentTypes = []string{"application/gzip", "application/x-gzip", "application/octet-stream"}

// HTTPBackend fetches packages from a single HTTPS (or HTTP, for tests)
// endpoint of the form <baseURL>/<product>-<version>.tar.gz.
type HTTPBackend struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPBackend returns a Backend for an HTTPS repository rooted at
// baseURL. client defaults to http.DefaultClient when nil.
func NewHTTPBackend(name, baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{name: name, baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (b *HTTPBackend) Name() string { return b.name }

func (b *HTTPBackend) Fetch(ctx context.Context, product, version string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s-%s.tar.gz", b.baseURL, product, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient, fmt.Errorf("build request for %s: %w", url, err))
	}
	req.Header.Set("Accept", "application/gzip")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient, fmt.Errorf("GET %s: %w", url, err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, agenterrors.Classify(agenterrors.KindPackageFatal, fmt.Errorf("%w at %s", agenterrors.ErrArtifactNotFound, url))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode))
	}

	ct := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(ct) {
		resp.Body.Close()
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient, fmt.Errorf("GET %s: disallowed content-type %q", url, ct))
	}

	return resp.Body, nil
}

func contentTypeAllowed(ct string) bool {
	// An empty content-type is tolerated; many static file servers omit it
	// for arbitrary binary payloads.
	if ct == "" {
		return true
	}
	mediaType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	for _, allowed := range allowedContentTypes {
		if strings.EqualFold(mediaType, allowed) {
			return true
		}
	}
	return false
}
