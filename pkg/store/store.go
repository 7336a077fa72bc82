// Package store implements a local, content-addressed filesystem of
// installed packages, with coalesced download and atomic extraction.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// Fetcher resolves and retrieves a package archive's bytes. The
// repository index implements this; Store depends only on the interface
// so it never imports repository backend code.
type Fetcher interface {
	ResolveAndFetch(ctx context.Context, product, version string) (io.ReadCloser, error)
}

// Store is the package store rooted at a single directory. It is safe for
// concurrent use; concurrent Ensure calls for the same (product, version)
// coalesce into a single install.
type Store struct {
	dir               string
	inactivityTimeout time.Duration
	group             singleflight.Group
}

// New returns a Store rooted at dir, which is created if it does not
// already exist. inactivityTimeout bounds package downloads by time
// without received bytes, not by total transfer time, per spec.
func New(dir string, inactivityTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "_download"), 0o755); err != nil {
		return nil, fmt.Errorf("create package store at %q: %w", dir, err)
	}
	return &Store{dir: dir, inactivityTimeout: inactivityTimeout}, nil
}

func installDirName(product, version string) string {
	return fmt.Sprintf("%s-%s", product, version)
}

// manifestFile is the top-level file inside an installed package tree that
// names its entrypoint.
const manifestFile = "manifest.json"

// Manifest describes a package's entrypoint, read from manifest.json at
// the root of an installed package tree.
type Manifest struct {
	Exec string   `json:"exec"`
	Args []string `json:"args"`
}

// ReadManifest loads the manifest at the root of an installed package. A
// package with no manifest.json returns (nil, nil); callers fall back to
// their own default entrypoint.
func ReadManifest(installPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(installPath, manifestFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", installPath, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %q: %w", installPath, err)
	}
	return &m, nil
}

// ExecStart resolves the manifest's entrypoint command line to an absolute
// path, joining a relative Exec against the install root.
func (m *Manifest) ExecStart(installPath string) []string {
	exec := m.Exec
	if exec != "" && !filepath.IsAbs(exec) {
		exec = filepath.Join(installPath, exec)
	}
	cmd := make([]string, 0, 1+len(m.Args))
	if exec != "" {
		cmd = append(cmd, exec)
	}
	return append(cmd, m.Args...)
}

// installedPath returns the final path of an installed package tree.
func (s *Store) installedPath(product, version string) string {
	return filepath.Join(s.dir, installDirName(product, version))
}

// Ensure idempotently installs (product, version), returning its path.
// If already installed, it returns immediately without touching the
// network. Concurrent calls for the same (product, version) coalesce into
// a single download + extraction.
func (s *Store) Ensure(ctx context.Context, fetcher Fetcher, product, version string) (string, error) {
	dest := s.installedPath(product, version)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat %q: %w", dest, err)
	}

	key := product + "@" + version
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check after acquiring the single-flight slot: another
		// goroutine may have completed the install while we waited.
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
		return s.install(ctx, fetcher, product, version, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Remove deletes the installed tree for (product, version). It never
// touches the cached archive under _download/.
func (s *Store) Remove(product, version string) error {
	dest := s.installedPath(product, version)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove installed package %q: %w", dest, err)
	}
	return nil
}

func (s *Store) install(ctx context.Context, fetcher Fetcher, product, version, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", agenterrors.ErrPodCancelled, err)
	}

	archivePath, err := s.downloadArchive(ctx, fetcher, product, version)
	if err != nil {
		return "", err
	}

	stageDir, err := os.MkdirTemp(filepath.Join(s.dir, "_download"), fmt.Sprintf(".stage-%s-*", installDirName(product, version)))
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	if err := extractTarGz(archivePath, stageDir); err != nil {
		return "", err
	}

	wantName := installDirName(product, version)
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return "", fmt.Errorf("read staging directory %q: %w", stageDir, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() || entries[0].Name() != wantName {
		return "", agenterrors.Classify(agenterrors.KindPackageFatal,
			fmt.Errorf("%w: extraction of %s-%s did not produce a single top-level directory named %q",
				agenterrors.ErrMalformedPackage, product, version, wantName))
	}

	extracted := filepath.Join(stageDir, wantName)
	if err := os.Rename(extracted, dest); err != nil {
		return "", fmt.Errorf("install %s-%s into place: %w", product, version, err)
	}

	klog.V(2).Infof("installed package %s-%s at %s", product, version, dest)
	return dest, nil
}

func (s *Store) downloadArchive(ctx context.Context, fetcher Fetcher, product, version string) (string, error) {
	archivePath := filepath.Join(s.dir, "_download", installDirName(product, version)+".tar.gz")
	if _, err := os.Stat(archivePath); err == nil {
		return archivePath, nil
	}

	partialPath := archivePath + ".partial"
	rc, err := fetcher.ResolveAndFetch(ctx, product, version)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, err := os.Create(partialPath)
	if err != nil {
		return "", fmt.Errorf("create partial archive %q: %w", partialPath, err)
	}

	src := rc
	if s.inactivityTimeout > 0 {
		src = newInactivityReader(ctx, rc, s.inactivityTimeout)
	}

	_, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(partialPath)
		return "", fmt.Errorf("download %s-%s: %w", product, version, copyErr)
	}
	if closeErr != nil {
		os.Remove(partialPath)
		return "", fmt.Errorf("finalize partial archive %q: %w", partialPath, closeErr)
	}

	if err := os.Rename(partialPath, archivePath); err != nil {
		os.Remove(partialPath)
		return "", fmt.Errorf("rename partial archive into place: %w", err)
	}
	return archivePath, nil
}

// inactivityReader fails a Read with a deadline error once no bytes have
// arrived for timeout, rather than bounding the transfer's total duration.
type inactivityReader struct {
	ctx     context.Context
	r       io.ReadCloser
	timeout time.Duration
}

func newInactivityReader(ctx context.Context, r io.ReadCloser, timeout time.Duration) io.Reader {
	return &inactivityReader{ctx: ctx, r: r, timeout: timeout}
}

func (ir *inactivityReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := ir.r.Read(p)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(ir.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-timer.C:
		return 0, fmt.Errorf("no bytes received for %s: %w", ir.timeout, context.DeadlineExceeded)
	case <-ir.ctx.Done():
		return 0, ir.ctx.Err()
	}
}
