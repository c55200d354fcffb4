package artifact

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"stagerun/internal/config"
)

// MinioBackend keeps objects in a single bucket of an S3 compatible store.
type MinioBackend struct {
	client *minio.Client
	bucket string
}

// NewMinioClient builds a client from cfg without contacting the server.
func NewMinioClient(cfg config.MinioConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func NewMinioBackend(client *minio.Client, bucket string) (*MinioBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	return &MinioBackend{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (b *MinioBackend) EnsureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region})
}

func (b *MinioBackend) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (b *MinioBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
}

func (b *MinioBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: dirPrefix(prefix), Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MinioBackend) DeletePrefix(ctx context.Context, prefix string) error {
	objects := b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: dirPrefix(prefix), Recursive: true})
	for rerr := range b.client.RemoveObjects(ctx, b.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

func dirPrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
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
