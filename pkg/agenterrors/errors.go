// Package agenterrors defines the error taxonomy the agent's components
// raise and that the pod state machine maps to pod-visible outcomes.
package agenterrors

import "errors"

// Sentinel errors for conditions every component may need to test for with
// errors.Is, independent of the wrapping each layer adds.
var (
	// ErrNoRepositoryReachable means every configured repository returned a
	// connection/DNS/non-2xx error; none of them were queried successfully.
	ErrNoRepositoryReachable = errors.New("no repository reachable")

	// ErrArtifactNotFound means at least one repository was reachable but
	// none had the requested (product, version) artifact.
	ErrArtifactNotFound = errors.New("artifact not found in any repository")

	// ErrUnsafeArchiveEntry is fatal: the archive contains an absolute path
	// or a parent-escaping entry.
	ErrUnsafeArchiveEntry = errors.New("unsafe archive entry")

	// ErrMalformedPackage is fatal: extraction did not yield exactly one
	// top-level directory named <product>-<version>.
	ErrMalformedPackage = errors.New("malformed package archive")

	// ErrPodCancelled is returned by any install/render step that observed
	// cancellation (pod deletion) between I/O steps.
	ErrPodCancelled = errors.New("pod stage cancelled")

	// ErrTooManyPods describes an admission refusal once the node's pod
	// count would exceed the advertised cap. The registry does not return
	// it; it passes the same message to its reject callback as a string.
	ErrTooManyPods = errors.New("node pod capacity exceeded")
)

// Kind classifies an error that crosses a component boundary into the
// pod state machine, so it can decide the pod-visible outcome without
// re-deriving it from string matching.
type Kind int

const (
	// KindConfiguration errors are fatal at process startup.
	KindConfiguration Kind = iota
	// KindBootstrap errors are retriable with bounded backoff at startup.
	KindBootstrap
	// KindClusterTransient errors (watch disconnects) retry forever with
	// capped exponential backoff and are never fatal.
	KindClusterTransient
	// KindRepositoryTransient errors cause the repository index to skip to
	// the next repository.
	KindRepositoryTransient
	// KindPackageFatal errors fail the pod with an ImagePullBackOff-equivalent reason.
	KindPackageFatal
	// KindUnitFatal errors fail the pod; the service manager's message is
	// carried verbatim in pod status.
	KindUnitFatal
	// KindRuntimeUnitFailure is a normal restart-policy-governed failure,
	// not itself a pod failure unless the policy says so.
	KindRuntimeUnitFailure
	// KindInternal covers panics recovered inside a pod task.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "Configuration"
	case KindBootstrap:
		return "Bootstrap"
	case KindClusterTransient:
		return "ClusterTransient"
	case KindRepositoryTransient:
		return "RepositoryTransient"
	case KindPackageFatal:
		return "PackageFatal"
	case KindUnitFatal:
		return "UnitFatal"
	case KindRuntimeUnitFailure:
		return "RuntimeUnitFailure"
	case KindInternal:
		return "AgentInternalError"
	default:
		return "Unknown"
	}
}

// Classified wraps an error with a Kind so callers can recover it with
// errors.As without caring which component produced it.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Kind.String() + ": " + c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with kind, or returns nil if err is nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the Kind of a classified error, defaulting to KindInternal
// for errors that were never classified (a programming omission worth
// treating as an internal error rather than silently dropping it).
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindInternal
}
