// Package secrets resolves sensitive configuration (the manifest signing
// key, the publish API key) from wherever the deployment keeps it.
// References use a scheme prefix: "env:NAME", "file:/path", or
// "aws:secret-id"; a bare value is treated as env for compatibility with
// plain variable names.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// Resolver dispatches references to providers by scheme. The AWS
// provider is constructed lazily so deployments that never reference
// "aws:" secrets need no AWS credentials.
type Resolver struct {
	env  Provider
	file Provider
	aws  Provider

	newAWS func(ctx context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		env:  NewEnv(),
		file: NewFile(),
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty secret reference", ErrInvalidConfig)
	}

	scheme, rest, found := strings.Cut(ref, ":")
	if !found {
		return r.env.Get(ctx, ref)
	}
	switch scheme {
	case "env":
		return r.env.Get(ctx, rest)
	case "file":
		return r.file.Get(ctx, rest)
	case "aws":
		if r.aws == nil {
			p, err := r.newAWS(ctx)
			if err != nil {
				return "", err
			}
			r.aws = p
		}
		return r.aws.Get(ctx, rest)
	default:
		return "", fmt.Errorf("%w: unknown secret scheme %q", ErrInvalidConfig, scheme)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// FileProvider reads the secret from a file on disk, the usual shape for
// PEM key material mounted into a container.
type FileProvider struct{}

func NewFile() *FileProvider {
	return &FileProvider{}
}

func (p *FileProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil file provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: read file %q: %w", key, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, key)
	}
	return v, nil
}
