package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// Memory is a Provider holding values in process memory.
type Memory struct {
	mu     sync.RWMutex
	values map[Ref]string
}

// NewMemory returns a memory provider seeded with values keyed by reference
// strings such as "vault:ci!/token". Malformed keys are skipped.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{values: make(map[Ref]string, len(values))}
	for k, v := range values {
		if ref, err := ParseRef(k); err == nil {
			m.values[ref] = v
		}
	}
	return m
}

func (m *Memory) Name() string { return "memory" }

// Set stores a value.
func (m *Memory) Set(ref Ref, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[ref] = value
}

func (m *Memory) Resolve(_ context.Context, ref Ref) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[ref]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// Env resolves references from process environment variables named
// <Prefix><NAMESPACE>_<KEY>, upper-cased, with every character outside
// [A-Z0-9] replaced by '_'.
type Env struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnv returns an environment provider using os.LookupEnv.
func NewEnv(prefix string) *Env {
	return &Env{Prefix: prefix, lookup: os.LookupEnv}
}

func (e *Env) Name() string { return "env" }

// VarName returns the environment variable consulted for ref.
func (e *Env) VarName(ref Ref) string {
	return e.Prefix + sanitize(ref.Namespace) + "_" + sanitize(ref.Key)
}

func (e *Env) Resolve(_ context.Context, ref Ref) (string, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.VarName(ref))
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// Chain tries providers in order and returns the first value found.
type Chain []Provider

func (c Chain) Name() string { return "chain" }

func (c Chain) Resolve(ctx context.Context, ref Ref) (string, error) {
	for _, p := range c {
		v, err := p.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", &ProviderError{Provider: p.Name(), Ref: ref, Err: err}
		}
	}
	return "", ErrSecretNotFound
}
