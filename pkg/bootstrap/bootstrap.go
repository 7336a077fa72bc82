// Package bootstrap resolves the cluster-API client configuration and
// performs one certificate check: an expiry warning, nothing more.
// Certificate issuance and renewal are out of scope; they're handled by
// whatever agent manages the node's credentials.
package bootstrap

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// expiryWarningWindow is how far ahead of a leaf certificate's NotAfter
// WarnIfExpiringSoon starts logging.
const expiryWarningWindow = 7 * 24 * time.Hour

// ClusterConfig resolves a *rest.Config, preferring bootstrapFile (the
// bootstrap kubeconfig issued before the node has its own cluster
// credentials) and falling back to kubeconfigPath. An empty kubeconfigPath
// with no bootstrapFile resolves in-cluster config.
func ClusterConfig(bootstrapFile, kubeconfigPath string) (*rest.Config, error) {
	path := kubeconfigPath
	if bootstrapFile != "" {
		path = bootstrapFile
	}
	if path == "" {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("resolve in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("build cluster config from %q: %w", path, err)
	}
	return cfg, nil
}

// WarnIfExpiringSoon logs a warning if the leaf certificate at certFile
// expires within expiryWarningWindow. It never fails the caller. The
// certificate and key are both loaded from certFile; a file that cannot
// be loaded that way (missing, or key kept elsewhere) is skipped without
// a log line, and only an unparsable leaf certificate logs a warning.
func WarnIfExpiringSoon(certFile string) {
	if certFile == "" {
		return
	}
	cert, err := tls.LoadX509KeyPair(certFile, certFile)
	if err != nil {
		// Many deployments keep the key in a separate file; a failure to
		// load both from the same path is expected and not itself
		// diagnostic of anything.
		return
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		klog.Warningf("bootstrap: could not parse leaf certificate %q: %v", certFile, err)
		return
	}
	if until := time.Until(leaf.NotAfter); until < expiryWarningWindow {
		klog.Warningf("bootstrap: certificate %q expires in %s (at %s)", certFile, until.Round(time.Minute), leaf.NotAfter)
	}
}
