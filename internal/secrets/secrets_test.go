package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ref, err := ParseRef("vault:signing!/windows/cert-password")
		require.NoError(t, err)
		assert.Equal(t, Ref{Namespace: "signing", Key: "windows/cert-password"}, ref)
		assert.Equal(t, "vault:signing!/windows/cert-password", ref.String())
	})

	for _, bad := range []string{"plain", "vault:", "vault:ns", "vault:!/key", "vault:ns!/"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseRef(bad)
			assert.ErrorIs(t, err, ErrInvalidRef)
		})
	}
}

func TestResolveEnv(t *testing.T) {
	ctx := context.Background()
	provider := NewMemory(map[string]string{
		"vault:ci!/token": "s3cr3t",
	})
	resolver := NewResolver(provider)

	t.Run("substitutes references and reports values", func(t *testing.T) {
		env, values, err := resolver.ResolveEnv(ctx, map[string]string{
			"TOKEN": "vault:ci!/token",
			"PLAIN": "value",
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"TOKEN": "s3cr3t", "PLAIN": "value"}, env)
		assert.Equal(t, []string{"s3cr3t"}, values)
	})

	t.Run("missing secret is a provider error", func(t *testing.T) {
		_, _, err := resolver.ResolveEnv(ctx, map[string]string{"X": "vault:ci!/missing"})
		require.Error(t, err)
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "memory", pe.Provider)
		assert.ErrorIs(t, err, ErrSecretNotFound)
		assert.NotContains(t, err.Error(), "s3cr3t")
	})

	t.Run("nil provider never resolves", func(t *testing.T) {
		_, _, err := NewResolver(nil).ResolveEnv(ctx, map[string]string{"X": "vault:ci!/token"})
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})
}

func TestEnvProvider(t *testing.T) {
	p := NewEnv("STAGEGRID_SECRET_")
	p.lookup = func(name string) (string, bool) {
		if name == "STAGEGRID_SECRET_SIGNING_WINDOWS_CERT_PASSWORD" {
			return "pw", true
		}
		return "", false
	}

	v, err := p.Resolve(context.Background(), Ref{Namespace: "signing", Key: "windows/cert-password"})
	require.NoError(t, err)
	assert.Equal(t, "pw", v)

	_, err = p.Resolve(context.Background(), Ref{Namespace: "x", Key: "y"})
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestChain(t *testing.T) {
	first := NewMemory(nil)
	second := NewMemory(map[string]string{"vault:a!/b": "from-second"})
	chain := Chain{first, second}

	v, err := chain.Resolve(context.Background(), Ref{Namespace: "a", Key: "b"})
	require.NoError(t, err)
	assert.Equal(t, "from-second", v)

	_, err = chain.Resolve(context.Background(), Ref{Namespace: "a", Key: "c"})
	assert.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestRedactor(t *testing.T) {
	var out bytes.Buffer
	r := NewRedactor(&out, []string{"hunter2", "hunter22"})

	_, err := r.Write([]byte("password is hun"))
	require.NoError(t, err)
	assert.Empty(t, out.String(), "partial lines are held back")

	_, err = r.Write([]byte("ter22\nnext line hunter2"))
	require.NoError(t, err)
	require.NoError(t, r.Flush())

	assert.Equal(t, "password is ***\nnext line ***", out.String())
}
