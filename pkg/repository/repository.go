// Package repository resolves a (product, version) pair to an archive
// across an ordered list of repositories that may be plain HTTPS
// endpoints or S3 buckets.
package repository

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// Backend fetches one archive from one repository. A nil, non-error
// return is never valid; Fetch either returns a body or an error.
type Backend interface {
	// Name identifies the repository for logging.
	Name() string
	// Fetch retrieves the archive for (product, version). It returns
	// agenterrors.ErrArtifactNotFound if the repository was reachable but
	// had no such artifact, wrapped with KindRepositoryTransient for any
	// other skip-worthy condition (connection/DNS/non-2xx/bad content
	// type).
	Fetch(ctx context.Context, product, version string) (io.ReadCloser, error)
}

// Index is an ordered list of repository backends, tried in declared
// order until one serves the artifact.
type Index struct {
	backends []Backend
	// resolutions caches, per (product, version), which backend served
	// the artifact last time, so a later Ensure for the same artifact
	// tries the known-good backend first instead of re-walking the list.
	resolutions *cache.Cache
}

// NewIndex builds a Repository Index over backends, tried in the given
// order. The resolution cache entries expire after ttl.
func NewIndex(backends []Backend, ttl time.Duration) *Index {
	return &Index{
		backends:    backends,
		resolutions: cache.New(ttl, ttl*2),
	}
}

// ResolveAndFetch implements store.Fetcher. It iterates the backend list,
// skipping (logging, not failing) any backend that is unreachable or
// lacks the artifact, and distinguishes "no repository reachable" from
// "reachable but no repository had the artifact" in the returned error.
func (idx *Index) ResolveAndFetch(ctx context.Context, product, version string) (io.ReadCloser, error) {
	key := product + "@" + version

	order := idx.backends
	if cached, ok := idx.resolutions.Get(key); ok {
		if name, ok := cached.(string); ok {
			order = reorderPreferred(idx.backends, name)
		}
	}

	var anyReachable bool
	for _, b := range order {
		rc, err := b.Fetch(ctx, product, version)
		if err == nil {
			idx.resolutions.Set(key, b.Name(), cache.DefaultExpiration)
			return rc, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if agenterrors.KindOf(err) != agenterrors.KindRepositoryTransient {
			anyReachable = true
		}
		klog.Warningf("repository %s: skipping %s-%s: %v", b.Name(), product, version, err)
	}

	if !anyReachable {
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient,
			fmt.Errorf("%w: tried %d repositories for %s-%s", agenterrors.ErrNoRepositoryReachable, len(order), product, version))
	}
	return nil, agenterrors.Classify(agenterrors.KindPackageFatal,
		fmt.Errorf("%w: %s-%s", agenterrors.ErrArtifactNotFound, product, version))
}

func reorderPreferred(backends []Backend, preferred string) []Backend {
	reordered := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Name() == preferred {
			reordered = append([]Backend{b}, reordered...)
		} else {
			reordered = append(reordered, b)
		}
	}
	return reordered
}
