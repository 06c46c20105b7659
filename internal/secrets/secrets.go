// Package secrets resolves secret references at step invocation time.
//
// A reference has the form "vault:<namespace>!/<key>". Any environment value
// of that form is replaced with the value returned by the configured
// Provider immediately before the step starts. Resolved values are handed to
// the step's environment only; they are never logged, and a Redactor masks
// them in captured step output.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	refScheme    = "vault:"
	refSeparator = "!/"
)

var (
	// ErrSecretNotFound indicates that the provider has no value for the ref.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidRef indicates a malformed reference.
	ErrInvalidRef = errors.New("invalid secret reference")
)

// Ref identifies a secret within a provider.
type Ref struct {
	Namespace string
	Key       string
}

func (r Ref) String() string {
	return refScheme + r.Namespace + refSeparator + r.Key
}

// IsRef reports whether value uses the secret reference scheme.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refScheme)
}

// ParseRef parses "vault:<namespace>!/<key>".
func ParseRef(value string) (Ref, error) {
	if !IsRef(value) {
		return Ref{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalidRef, value, refScheme)
	}
	ns, key, ok := strings.Cut(strings.TrimPrefix(value, refScheme), refSeparator)
	if !ok || ns == "" || key == "" {
		return Ref{}, fmt.Errorf("%w: %q must look like vault:<namespace>!/<key>", ErrInvalidRef, value)
	}
	return Ref{Namespace: ns, Key: key}, nil
}

// Provider is the boundary to a secret store. Storage itself is outside this
// module.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref Ref) (string, error)
}

// ProviderError wraps a provider failure with the provider and reference.
type ProviderError struct {
	Provider string
	Ref      Ref
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q error for secret %q: %v", e.Provider, e.Ref.String(), e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Resolver substitutes secret references in environment maps.
type Resolver struct {
	provider Provider
}

// NewResolver returns a resolver backed by provider. A nil provider makes
// every reference fail with ErrSecretNotFound.
func NewResolver(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// ResolveEnv returns a copy of env with every secret reference replaced by
// its value, along with the resolved values for redaction.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string) (map[string]string, []string, error) {
	out := make(map[string]string, len(env))
	var values []string

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := env[k]
		if !IsRef(v) {
			out[k] = v
			continue
		}
		ref, err := ParseRef(v)
		if err != nil {
			return nil, nil, fmt.Errorf("env %s: %w", k, err)
		}
		secret, err := r.resolve(ctx, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("env %s: %w", k, err)
		}
		out[k] = secret
		if secret != "" {
			values = append(values, secret)
		}
	}
	return out, values, nil
}

func (r *Resolver) resolve(ctx context.Context, ref Ref) (string, error) {
	if r == nil || r.provider == nil {
		return "", &ProviderError{Provider: "none", Ref: ref, Err: ErrSecretNotFound}
	}
	v, err := r.provider.Resolve(ctx, ref)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", &ProviderError{Provider: r.provider.Name(), Ref: ref, Err: err}
	}
	return v, nil
}
