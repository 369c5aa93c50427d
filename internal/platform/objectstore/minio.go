package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := ensureBucket(ctx, client, cfg.BucketSubmissions, cfg.Region); err != nil {
		return fmt.Errorf("ensure submissions bucket: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.BucketBundles, cfg.Region); err != nil {
		return fmt.Errorf("ensure bundles bucket: %w", err)
	}
	return nil
}

func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, bucket := range []string{cfg.BucketSubmissions, cfg.BucketBundles} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Store wraps the minio client with the narrow surface the orchestrator needs.
type Store struct {
	client *minio.Client
	cfg    Config
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

func NewStore(client *minio.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) PutSubmission(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return s.put(ctx, s.cfg.BucketSubmissions, key, body, size, contentType)
}

func (s *Store) GetSubmission(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	return s.get(ctx, s.cfg.BucketSubmissions, key)
}

func (s *Store) DeleteSubmission(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errors.New("object store not initialized")
	}
	return s.client.RemoveObject(ctx, s.cfg.BucketSubmissions, key, minio.RemoveObjectOptions{})
}

func (s *Store) PutBundleObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return s.put(ctx, s.cfg.BucketBundles, key, body, size, contentType)
}

func (s *Store) GetBundleObject(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	return s.get(ctx, s.cfg.BucketBundles, key)
}

// SubmissionURI returns the s3-style URI handed to isolated validators.
func (s *Store) SubmissionURI(key string) string {
	return "s3://" + s.cfg.BucketSubmissions + "/" + strings.TrimPrefix(key, "/")
}

// BundleURI returns the scoped prefix an isolated validator may write
// intermediate artifacts under.
func (s *Store) BundleURI(prefix string) string {
	return "s3://" + s.cfg.BucketBundles + "/" + strings.TrimPrefix(prefix, "/")
}

func (s *Store) put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil || s.client == nil {
		return errors.New("object store not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, bucket, key, body, size, opts)
	return err
}

func (s *Store) get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s == nil || s.client == nil {
		return nil, ObjectInfo{}, errors.New("object store not initialized")
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return obj, ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}
