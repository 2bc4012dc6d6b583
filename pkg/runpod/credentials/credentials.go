// Package credentials resolves credential references such as the RunPod API
// key and the SSH public key installed on new pods.
//
// A reference has the form "<scheme>:<location>":
//
//	env:RUNPOD_API_KEY                 environment variable
//	file:/etc/runpod/api-key           file contents
//	secret:kube-system/runpod#apiKey   Kubernetes Secret key (namespace optional)
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	SchemeEnv    = "env"
	SchemeFile   = "file"
	SchemeSecret = "secret"

	// DefaultSecretNamespace is used for secret refs without a namespace
	DefaultSecretNamespace = "kube-system"

	// MaxFileSize bounds file-backed credentials
	MaxFileSize = 64 * 1024
)

// ErrNoClientset is returned for secret refs when no Kubernetes client is configured
var ErrNoClientset = errors.New("no Kubernetes client configured")

// Resolver turns a credential reference into its value
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// CredentialError describes a reference that could not be resolved
type CredentialError struct {
	Ref    string
	Reason string
	Err    error

	// Unavailable is set when the store holding the credential could not be
	// reached; the reference itself may be fine
	Unavailable bool
}

// Error implements the error interface
func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to resolve credential %q: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to resolve credential %q: %s", e.Ref, e.Reason)
}

// Unwrap returns the underlying error
func (e *CredentialError) Unwrap() error {
	return e.Err
}

// IsCredentialError checks if err came from resolving a reference
func IsCredentialError(err error) bool {
	var credErr *CredentialError
	return errors.As(err, &credErr)
}

// IsUnavailable checks if err is a credential error caused by an unreachable store
func IsUnavailable(err error) bool {
	var credErr *CredentialError
	return errors.As(err, &credErr) && credErr.Unavailable
}

// apiServerUnavailable reports whether a Secret read failed for reasons other
// than the Secret or the caller's access to it
func apiServerUnavailable(err error) bool {
	switch {
	case apierrors.IsNotFound(err),
		apierrors.IsForbidden(err),
		apierrors.IsUnauthorized(err),
		apierrors.IsBadRequest(err),
		apierrors.IsInvalid(err):
		return false
	}
	return true
}

// RefResolver resolves env, file and secret references
type RefResolver struct {
	clientset        kubernetes.Interface
	defaultNamespace string
	logger           *zap.Logger
	lookupEnv        func(string) (string, bool)
}

// Option configures a RefResolver
type Option func(*RefResolver)

// WithClientset enables secret: references
func WithClientset(clientset kubernetes.Interface) Option {
	return func(r *RefResolver) { r.clientset = clientset }
}

// WithDefaultNamespace overrides DefaultSecretNamespace
func WithDefaultNamespace(ns string) Option {
	return func(r *RefResolver) { r.defaultNamespace = ns }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *RefResolver) { r.logger = logger }
}

// NewRefResolver creates a resolver. Without WithClientset, secret refs fail.
func NewRefResolver(opts ...Option) *RefResolver {
	r := &RefResolver{
		defaultNamespace: DefaultSecretNamespace,
		logger:           zap.NewNop(),
		lookupEnv:        os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scheme returns the scheme of a reference, or "" if it has none
func Scheme(ref string) string {
	scheme, _, ok := strings.Cut(ref, ":")
	if !ok {
		return ""
	}
	return scheme
}

// Resolve implements Resolver. Values are trimmed of surrounding whitespace and
// an empty result is an error.
func (r *RefResolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, location, ok := strings.Cut(ref, ":")
	if !ok || location == "" {
		// a bare value may be a pasted secret; keep it out of the error
		return "", &CredentialError{Ref: "<redacted>", Reason: "expected <scheme>:<location> with scheme env, file or secret"}
	}

	var (
		value string
		err   error
	)
	switch scheme {
	case SchemeEnv:
		value, err = r.fromEnv(ref, location)
	case SchemeFile:
		value, err = r.fromFile(ref, location)
	case SchemeSecret:
		value, err = r.fromSecret(ctx, ref, location)
	default:
		return "", &CredentialError{Ref: ref, Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}
	if err != nil {
		return "", err
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", &CredentialError{Ref: ref, Reason: "value is empty"}
	}

	r.logger.Debug("Resolved credential", zap.String("scheme", scheme))
	return value, nil
}

func (r *RefResolver) fromEnv(ref, name string) (string, error) {
	value, ok := r.lookupEnv(name)
	if !ok {
		return "", &CredentialError{Ref: ref, Reason: "environment variable not set"}
	}
	return value, nil
}

func (r *RefResolver) fromFile(ref, path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &CredentialError{Ref: ref, Reason: "cannot expand home directory", Err: err}
		}
		path = home + path[1:]
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", &CredentialError{Ref: ref, Reason: "cannot stat file", Err: err}
	}
	if info.Size() > MaxFileSize {
		return "", &CredentialError{Ref: ref, Reason: fmt.Sprintf("file larger than %d bytes", MaxFileSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &CredentialError{Ref: ref, Reason: "cannot read file", Err: err}
	}
	return string(data), nil
}

// fromSecret resolves [namespace/]name#key
func (r *RefResolver) fromSecret(ctx context.Context, ref, location string) (string, error) {
	if r.clientset == nil {
		return "", &CredentialError{Ref: ref, Reason: "secret references need a Kubernetes client", Err: ErrNoClientset}
	}

	object, key, ok := strings.Cut(location, "#")
	if !ok || key == "" || object == "" {
		return "", &CredentialError{Ref: ref, Reason: "expected secret:[namespace/]name#key"}
	}

	namespace, name := r.defaultNamespace, object
	if ns, n, found := strings.Cut(object, "/"); found {
		namespace, name = ns, n
	}
	if namespace == "" || name == "" {
		return "", &CredentialError{Ref: ref, Reason: "secret namespace and name must not be empty"}
	}

	secret, err := r.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", &CredentialError{Ref: ref, Reason: "failed to get secret", Err: err, Unavailable: apiServerUnavailable(err)}
	}

	data, ok := secret.Data[key]
	if !ok {
		return "", &CredentialError{Ref: ref, Reason: fmt.Sprintf("secret %s/%s has no key %q", namespace, name, key)}
	}
	return string(data), nil
}

// Static resolves references from a fixed map; useful in tests and for
// callers that already hold the values
type Static map[string]string

// Resolve implements Resolver
func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok || strings.TrimSpace(v) == "" {
		return "", &CredentialError{Ref: ref, Reason: "unknown reference"}
	}
	return strings.TrimSpace(v), nil
}
