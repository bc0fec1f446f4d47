package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := encodePrivateKey(key)
	require.NoError(t, err)
	pub, err := encodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(priv), string(pub)
}

func TestFileSourceGeneratesAndReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".keys")
	src := FileSource{Dir: dir, Generate: true}

	first, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.KeyID, 32)

	info, err := os.Stat(filepath.Join(dir, privateFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.True(t, first.Private.Equal(second.Private))
}

func TestFileSourceWithoutGenerate(t *testing.T) {
	_, err := FileSource{Dir: t.TempDir()}.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestEnvSource(t *testing.T) {
	key, priv, pub := testKey(t)

	t.Run("escaped newlines and thumbprint kid", func(t *testing.T) {
		escaped := strings.ReplaceAll(priv, "\n", `\n`)
		pair, err := EnvSource{PrivateKey: escaped}.Load(context.Background())
		require.NoError(t, err)
		want, err := Thumbprint(&key.PublicKey)
		require.NoError(t, err)
		assert.Equal(t, want, pair.KeyID)
	})

	t.Run("explicit kid", func(t *testing.T) {
		pair, err := EnvSource{PrivateKey: priv, PublicKey: pub, KeyID: "k1"}.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "k1", pair.KeyID)
	})

	t.Run("mismatched public key", func(t *testing.T) {
		_, _, otherPub := testKey(t)
		_, err := EnvSource{PrivateKey: priv, PublicKey: otherPub}.Load(context.Background())
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := EnvSource{}.Load(context.Background())
		assert.ErrorIs(t, err, ErrNoKey)
	})
}

type fakeSecrets struct {
	value string
	err   error
	calls int
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: aws.String(f.value)}, nil
}

func TestSecretsManagerSource(t *testing.T) {
	_, priv, _ := testKey(t)
	payload := `{"private_key":` + jsonString(priv) + `,"key_id":"sm-1"}`

	fake := &fakeSecrets{value: payload}
	pair, err := SecretsManagerSource{Client: fake, SecretID: "idp/signing"}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sm-1", pair.KeyID)

	_, err = SecretsManagerSource{Client: &fakeSecrets{err: errors.New("denied")}, SecretID: "x"}.Load(context.Background())
	assert.ErrorContains(t, err, "denied")

	_, err = SecretsManagerSource{Client: fake}.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoKey)
}

func jsonString(s string) string {
	return `"` + strings.ReplaceAll(s, "\n", `\n`) + `"`
}

func TestManagerSignAndJWKS(t *testing.T) {
	key, priv, _ := testKey(t)
	fake := &fakeSecrets{value: `{"private_key":` + jsonString(priv) + `,"key_id":"kid-a"}`}
	m := NewManager(nil,
		EnvSource{},
		SecretsManagerSource{Client: fake, SecretID: "s"},
		FileSource{Dir: t.TempDir(), Generate: true},
	)
	ctx := context.Background()

	signed, err := m.Sign(ctx, jwt.MapClaims{"sub": "u1"})
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, "kid-a", tok.Header["kid"])
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{Algorithm}))
	require.NoError(t, err)
	assert.Equal(t, "u1", parsed.Claims.(jwt.MapClaims)["sub"])

	set, err := m.JWKS(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "kid-a", set.Keys[0].KeyID)
	assert.Equal(t, "sig", set.Keys[0].Use)
	assert.Equal(t, Algorithm, set.Keys[0].Algorithm)
	assert.True(t, set.Keys[0].IsPublic())

	// cached after the first load
	_, err = m.KeyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestManagerNoSources(t *testing.T) {
	err := NewManager(nil).Load(context.Background())
	assert.ErrorIs(t, err, ErrNoKey)
}
