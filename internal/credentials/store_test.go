package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/pkg/schema"
)

type memSecrets map[string][]byte

func (m memSecrets) StoreSecret(_ context.Context, k string, v []byte) error {
	m[k] = v
	return nil
}

func (m memSecrets) GetSecret(_ context.Context, k string) ([]byte, error) {
	v, ok := m[k]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", k)
	}
	return v, nil
}

func (m memSecrets) DeleteSecret(_ context.Context, k string) error {
	delete(m, k)
	return nil
}

func (m memSecrets) ListSecrets(context.Context) ([]string, error) {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := secrets.NewAESVault(memSecrets{}, secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	return NewStore(v)
}

func TestStore_PutHasDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasCredential(ctx, "ag1", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "ag1", ProviderX, []byte("tok")))

	ok, err = s.HasCredential(ctx, "ag1", "x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasCredential(ctx, "ag2", "x")
	require.NoError(t, err)
	assert.False(t, ok, "credentials are per agent")

	tok, err := s.Token(ctx, "ag1", ProviderX)
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), tok)

	require.NoError(t, s.Delete(ctx, "ag1", ProviderX))
	ok, err = s.HasCredential(ctx, "ag1", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Providers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Providers(ctx, "ag1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Put(ctx, "ag1", ProviderX, []byte("a")))
	require.NoError(t, s.Put(ctx, "ag1", ProviderGitHub, []byte("b")))
	require.NoError(t, s.Put(ctx, "ag10", ProviderSlack, []byte("c")))

	got, err = s.Providers(ctx, "ag1")
	require.NoError(t, err)
	assert.Equal(t, []Provider{ProviderGitHub, ProviderX}, got, "other agents' keys are excluded")
}

func TestStore_PutValidates(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, schema.IsCode(s.Put(context.Background(), "", ProviderX, nil), schema.ErrCodeValidation))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "credentials/ag1/github", Key("ag1", ProviderGitHub))
}
