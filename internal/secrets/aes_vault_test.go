package secrets

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentpipe/pkg/schema"
)

// mapStore is an in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, name string, value []byte) error {
	m.data[name] = append([]byte(nil), value...)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, name string) ([]byte, error) {
	v, ok := m.data[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", name)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, name string) error {
	if _, ok := m.data[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", name)
	}
	delete(m.data, name)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.data))
	for k := range m.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "OPENAI_API_KEY", []byte("sk-secret-123")))

	assert.NotContains(t, string(s.data["OPENAI_API_KEY"]), "sk-secret-123")
	val, err := v.Resolve(ctx, "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	v, err := NewAESVault(newMapStore(), VaultConfig{
		Passphrase: "correct horse",
		Salt:       []byte("agentpipe-salt-1"),
		Iterations: 1000,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "TOKEN", []byte("value")))
	val, err := v.Resolve(ctx, "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	key2 := make([]byte, 32)
	key2[0] = 0xFF
	v1, err := NewAESVault(s, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	v2, err := NewAESVault(s, VaultConfig{MasterKey: key2})
	require.NoError(t, err)

	require.NoError(t, v1.Store(ctx, "TOKEN", []byte("hidden")))
	_, err = v2.Resolve(ctx, "TOKEN")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestAESVault_CiphertextBoundToName(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "PROD_KEY", []byte("prod")))
	s.data["DEV_KEY"] = s.data["PROD_KEY"]

	_, err := v.Resolve(ctx, "DEV_KEY")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestAESVault_RejectsInvalidNames(t *testing.T) {
	v, _ := testVault(t)
	for _, name := range []string{"", "1ST", "with-dash", "has space", "a.b"} {
		err := v.Store(context.Background(), name, []byte("x"))
		assert.True(t, schema.HasCode(err, schema.ErrCodeVault), name)
	}
}

func TestAESVault_DeleteAndList(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "A_KEY", []byte("1")))
	require.NoError(t, v.Store(ctx, "B_KEY", []byte("2")))
	require.NoError(t, v.Delete(ctx, "A_KEY"))

	names, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B_KEY"}, names)

	_, err = v.Resolve(ctx, "A_KEY")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestAESVault_OverwriteAndNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "K", []byte("same")))
	first := append([]byte(nil), s.data["K"]...)
	require.NoError(t, v.Store(ctx, "K", []byte("same")))

	assert.False(t, bytes.Equal(first, s.data["K"]), "nonce must be random")
	val, err := v.Resolve(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), val)
}

func TestAESVault_EmptyValue(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "EMPTY", []byte{}))
	val, err := v.Resolve(ctx, "EMPTY")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestNewAESVault_ConfigErrors(t *testing.T) {
	for name, cfg := range map[string]VaultConfig{
		"short key":       {MasterKey: []byte("too-short")},
		"nothing":         {},
		"passphrase only": {Passphrase: "pass"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewAESVault(newMapStore(), cfg)
			assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
		})
	}
}

func TestEnv(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "B_TOKEN", []byte("b")))
	require.NoError(t, v.Store(ctx, "A_TOKEN", []byte("a=1")))

	env, err := Env(ctx, v, []string{"B_TOKEN", "A_TOKEN", "B_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A_TOKEN=a=1", "B_TOKEN=b"}, env)

	env, err = Env(ctx, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestEnv_Errors(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	_, err := Env(ctx, v, []string{"MISSING"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, "MISSING", schema.AsError(err, "").Details["secret"])

	_, err = Env(ctx, nil, []string{"X"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}
