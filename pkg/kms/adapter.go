// Package kms wraps and unwraps per-file encryption keys under a master key
// held outside the metadata store. Providers are tried in order: Vault
// transit, AWS KMS, then a local AES-GCM key from the environment for
// development. The wrap is bound to the file id, so a wrapped key copied
// onto another file row fails to unwrap.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrUnwrapFailed        = errors.New("key unwrap failed")
)

type Provider interface {
	Wrap(ctx context.Context, plaintext, aad []byte) (wrapped []byte, err error)
	Unwrap(ctx context.Context, wrapped, aad []byte) (plaintext []byte, err error)
	GetSecret(ctx context.Context, key string) (value string, err error)
}

type Adapter struct {
	primary    Provider
	fallback   Provider
	failClosed bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	var primary, fallback Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				primary = ap
			}
		}
	}
	if primary == nil {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize env provider: %w", err)
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, env)")
	}
	failClosed := os.Getenv("KMS_FAIL_CLOSED") != "false"
	return &Adapter{
		primary:    primary,
		fallback:   fallback,
		failClosed: failClosed,
	}, nil
}

// WrapFileKey seals a file's symmetric key under the master key, bound to
// the owning file id.
func (a *Adapter) WrapFileKey(ctx context.Context, fileID string, key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := fileKeyContext(fileID)
	if a.primary != nil {
		wrapped, err := a.primary.Wrap(ctx, key, aad)
		if err == nil {
			return wrapped, nil
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms wrap failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Wrap(ctx, key, aad)
	}
	return nil, ErrProviderUnavailable
}

// UnwrapFileKey recovers the file key. A wrapped key presented with the
// wrong file id fails authentication.
func (a *Adapter) UnwrapFileKey(ctx context.Context, fileID string, wrapped []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	aad := fileKeyContext(fileID)
	if a.primary != nil {
		key, err := a.primary.Unwrap(ctx, wrapped, aad)
		if err == nil {
			return key, nil
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms unwrap failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Unwrap(ctx, wrapped, aad)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

func fileKeyContext(fileID string) []byte {
	return []byte("file=" + fileID + ";")
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err = client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "sharezone-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/sharezone"),
	}, nil
}

func (v *vaultProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"ciphertext": string(wrapped),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *awskms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: awskms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/sharezone-master"),
	}, nil
}

func (a *awsProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	input := &awskms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	}
	if len(aad) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(aad),
		}
	}
	result, err := a.kmsClient.Encrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	input := &awskms.DecryptInput{
		CiphertextBlob: wrapped,
	}
	if len(aad) > 0 {
		input.EncryptionContext = map[string]string{
			"context": base64.StdEncoding.EncodeToString(aad),
		}
	}
	result, err := a.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &envProvider{aead: aead}, nil
}

func (e *envProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (e *envProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	nonceSize := e.aead.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, ErrUnwrapFailed
	}
	nonce := wrapped[:nonceSize]
	plaintext, err := e.aead.Open(nil, nonce, wrapped[nonceSize:], aad)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return plaintext, nil
}

func (e *envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
