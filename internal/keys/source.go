package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/example/idp/internal/credential"
)

// ErrNoKey is returned by a Source that has nothing configured, so the
// manager moves on to the next one.
var ErrNoKey = errors.New("no signing key available")

// KeyPair is the active signing key.
type KeyPair struct {
	Private *rsa.PrivateKey
	KeyID   string
}

// Source yields a signing key.
type Source interface {
	Load(ctx context.Context) (*KeyPair, error)
	Name() string
}

// EnvSource reads PEM values handed over through the environment.
type EnvSource struct {
	PrivateKey string
	PublicKey  string
	KeyID      string
}

func (EnvSource) Name() string { return "env" }

func (s EnvSource) Load(context.Context) (*KeyPair, error) {
	if s.PrivateKey == "" {
		return nil, ErrNoKey
	}
	return buildPair(s.PrivateKey, s.PublicKey, s.KeyID)
}

func buildPair(privatePEM, publicPEM, kid string) (*KeyPair, error) {
	priv, err := parsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	if err := checkPair(priv, publicPEM); err != nil {
		return nil, err
	}
	if kid == "" {
		if kid, err = Thumbprint(&priv.PublicKey); err != nil {
			return nil, err
		}
	}
	return &KeyPair{Private: priv, KeyID: kid}, nil
}

// SecretGetter is the part of the Secrets Manager client the source needs.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads a JSON secret of the form
// {"private_key": "...", "public_key": "...", "key_id": "..."}.
type SecretsManagerSource struct {
	Client   SecretGetter
	SecretID string
}

// NewSecretsManagerSource builds a client from the default AWS credential
// chain. An empty secretID yields a source that always reports ErrNoKey.
func NewSecretsManagerSource(ctx context.Context, region, secretID string) (SecretsManagerSource, error) {
	if secretID == "" {
		return SecretsManagerSource{}, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return SecretsManagerSource{}, fmt.Errorf("loading aws config: %w", err)
	}
	return SecretsManagerSource{Client: secretsmanager.NewFromConfig(awsCfg), SecretID: secretID}, nil
}

func (SecretsManagerSource) Name() string { return "secretsmanager" }

type secretPayload struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	KeyID      string `json:"key_id"`
}

func (s SecretsManagerSource) Load(ctx context.Context) (*KeyPair, error) {
	if s.SecretID == "" || s.Client == nil {
		return nil, ErrNoKey
	}
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.SecretID)})
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", s.SecretID, err)
	}
	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return nil, fmt.Errorf("secret %s has no payload", s.SecretID)
	}
	var p secretPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing secret %s: %w", s.SecretID, err)
	}
	if p.PrivateKey == "" {
		return nil, fmt.Errorf("secret %s has no private_key", s.SecretID)
	}
	return buildPair(p.PrivateKey, p.PublicKey, p.KeyID)
}

const (
	privateFile = "private.pem"
	publicFile  = "public.pem"
	kidFile     = "kid.txt"
)

// FileSource loads the key from Dir, generating and persisting a new RSA-2048
// key when the files are absent and Generate is set.
type FileSource struct {
	Dir      string
	Generate bool
	// Bits defaults to 2048.
	Bits int
}

func (FileSource) Name() string { return "file" }

func (s FileSource) Load(context.Context) (*KeyPair, error) {
	privPath := filepath.Join(s.Dir, privateFile)
	pubPath := filepath.Join(s.Dir, publicFile)
	kidPath := filepath.Join(s.Dir, kidFile)

	if exists(privPath) && exists(pubPath) && exists(kidPath) {
		priv, err := os.ReadFile(privPath)
		if err != nil {
			return nil, err
		}
		pub, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, err
		}
		kid, err := os.ReadFile(kidPath)
		if err != nil {
			return nil, err
		}
		return buildPair(string(priv), string(pub), strings.TrimSpace(string(kid)))
	}
	if !s.Generate {
		return nil, ErrNoKey
	}
	return s.generate(privPath, pubPath, kidPath)
}

func (s FileSource) generate(privPath, pubPath, kidPath string) (*KeyPair, error) {
	bits := s.Bits
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	kid, err := credential.Random(16)
	if err != nil {
		return nil, err
	}
	privPEM, err := encodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(kidPath, []byte(kid), 0o644); err != nil {
		return nil, err
	}
	return &KeyPair{Private: key, KeyID: kid}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
