// Package blobstore abstracts the durable object store that holds update
// asset payloads. The publish pipeline needs exactly three things from it:
// a full-bucket listing (the verification pass intersects it with the
// metadata store), direct puts (used by the memory driver and tooling),
// and presigned time-limited upload URLs handed back to publishers.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultPresignExpiry = time.Hour
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
)

// Entry is one object in a bucket listing.
type Entry struct {
	Key  string
	Size int64
}

// Store provides durable blob persistence for update assets.
type Store interface {
	// ListAll pages through the entire bucket and returns every object.
	// Order is unspecified. This is O(bucket size) per call; callers that
	// run it per submission accept that cost deliberately.
	ListAll(ctx context.Context) ([]Entry, error)

	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)

	// PresignPut returns a credentialed, time-limited URL that accepts a
	// PUT of the object bytes.
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

type Config struct {
	Driver string

	// S3 fields.
	Bucket    string
	S3Client  S3Client
	Presigner S3Presigner
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

func normalizeExpiry(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return defaultPresignExpiry
	}
	return expiry
}

// MemoryStore keeps objects in process memory. Tests and local runs only.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) ListAll(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.objects))
	for k, v := range m.objects {
		out = append(out, Entry{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, payload []byte, _ string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) PresignPut(_ context.Context, key, contentType string, expiry time.Duration) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("contentType", contentType)
	q.Set("expires", normalizeExpiry(expiry).String())
	return "memory:///" + key + "?" + q.Encode(), nil
}

type s3Store struct {
	client    S3Client
	presigner S3Presigner
	bucket    string
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	if cfg.Presigner == nil {
		return nil, fmt.Errorf("%w: s3 presigner is required", ErrInvalidConfig)
	}
	return &s3Store{
		client:    cfg.S3Client,
		presigner: cfg.Presigner,
		bucket:    bucket,
	}, nil
}

func (s *s3Store) ListAll(ctx context.Context) ([]Entry, error) {
	var (
		out               []Entry
		continuationToken *string
	)
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("blobstore/s3: list bucket %q: %w", s.bucket, err)
		}
		for _, obj := range page.Contents {
			out = append(out, Entry{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			return out, nil
		}
		continuationToken = page.NextContinuationToken
	}
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", key, err)
	}
	return true, nil
}

func (s *s3Store) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	req, err := s.presigner.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = normalizeExpiry(expiry)
	})
	if err != nil {
		return "", fmt.Errorf("blobstore/s3: presign put %q: %w", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
