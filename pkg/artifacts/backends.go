// SPDX-License-Identifier: Apache-2.0
package artifacts

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jllopis/kairos-runner/pkg/config"
)

// FilesPath is the URL prefix the HTTP server serves disk artifacts under.
const FilesPath = "/files/"

// DiskBackend copies files into a directory served by the HTTP server.
type DiskBackend struct {
	dir       string
	publicURL string
}

// NewDiskBackend creates the directory if needed.
func NewDiskBackend(dir, publicURL string) (*DiskBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DiskBackend{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Dir returns the served directory.
func (b *DiskBackend) Dir() string { return b.dir }

// Put implements Backend.
func (b *DiskBackend) Put(ctx context.Context, key string, f File) (string, error) {
	dst := filepath.Join(b.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(dst, filepath.Clean(b.dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(ctx, f.Path, dst); err != nil {
		return "", err
	}
	u := url.URL{Path: FilesPath + key}
	return b.publicURL + u.EscapedPath(), nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MinioBackend uploads to an S3 compatible bucket and returns presigned GET
// URLs.
type MinioBackend struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinioBackend connects to MinIO and makes sure the bucket exists.
func NewMinioBackend(ctx context.Context, cfg config.MinioConfig) (*MinioBackend, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("endpoint must not include scheme: %q", cfg.Endpoint)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}
	b := &MinioBackend{client: client, bucket: cfg.Bucket, ttl: cfg.PresignTTL}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure artifacts bucket: %w", err)
	}
	return b, nil
}

func (b *MinioBackend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{})
}

// Put implements Backend.
func (b *MinioBackend) Put(ctx context.Context, key string, f File) (string, error) {
	in, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if _, err := b.client.PutObject(ctx, b.bucket, key, in, f.Size, minio.PutObjectOptions{ContentType: f.ContentType}); err != nil {
		return "", err
	}
	ttl := b.ttl
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	u, err := b.client.PresignedGetObject(ctx, b.bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
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

// NewFromConfig builds the configured backend. It returns a nil Backend for
// the "none" backend.
func NewFromConfig(ctx context.Context, cfg config.ArtifactsConfig, publicURL string) (Backend, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "disk":
		b, err := NewDiskBackend(cfg.Dir, publicURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "minio":
		b, err := NewMinioBackend(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}
