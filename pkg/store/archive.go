package store

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// extractTarGz extracts a tar.gz archive into dst, refusing any entry whose
// name is absolute or escapes dst via "..". Such an entry is a fatal
// package error; extraction stops immediately and leaves dst partially
// populated (the caller removes the whole staging directory on failure).
func extractTarGz(archivePath, dst string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %q: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream of %q: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry in %q: %w", archivePath, err)
		}

		target, err := safeJoin(dst, header.Name)
		if err != nil {
			return agenterrors.Classify(agenterrors.KindPackageFatal, fmt.Errorf("%w: %s: %s", agenterrors.ErrUnsafeArchiveEntry, header.Name, err))
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent directory for %q: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file %q: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file %q: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file %q: %w", target, err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return agenterrors.Classify(agenterrors.KindPackageFatal, fmt.Errorf("%w: %s: link entries are not permitted", agenterrors.ErrUnsafeArchiveEntry, header.Name))
		default:
			// Skip device nodes, fifos, and anything else unexpected in a
			// package archive.
			continue
		}
	}
}

// safeJoin joins dst and name, refusing absolute paths and any result that
// escapes dst.
func safeJoin(dst, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.ToSlash(name), "/") {
		return "", fmt.Errorf("absolute path not allowed")
	}

	cleaned := filepath.Clean(filepath.Join(dst, name))
	base := filepath.Clean(dst)
	if cleaned != base && !strings.HasPrefix(cleaned, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("parent-escaping path not allowed")
	}
	return cleaned, nil
}
