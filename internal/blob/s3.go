// Package blob mirrors local asset files to S3-compatible object
// storage. Object names carry a millisecond timestamp prefix so
// re-uploads never clobber an object a live reader may be streaming.
package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"log/slog"
)

// Config carries the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Client uploads files into one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	// publicBase is the URL prefix returned for uploaded objects.
	publicBase string
}

// now is a seam for deterministic object names in tests.
var now = time.Now

// New creates an object storage client and verifies the bucket exists,
// creating it when missing so a fresh environment works out of the box.
func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
		slog.Info("Created object storage bucket", "bucket", cfg.Bucket)
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return &Client{
		mc:         mc,
		bucket:     cfg.Bucket,
		publicBase: fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket),
	}, nil
}

// Upload mirrors one local file under the given folder and returns its
// public URL.
func (c *Client) Upload(ctx context.Context, localPath, folder string) (string, error) {
	objectName := ObjectName(folder, filepath.Base(localPath), now())

	_, err := c.mc.FPutObject(ctx, c.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: ContentTypeFor(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", objectName, err)
	}

	objectURL := c.publicBase + "/" + objectName
	slog.Debug("Asset uploaded", "object", objectName)
	return objectURL, nil
}

// ObjectName builds the timestamp-prefixed object key for a file.
func ObjectName(folder, baseName string, at time.Time) string {
	return fmt.Sprintf("%s/%d-%s", strings.Trim(folder, "/"), at.UnixMilli(), baseName)
}

// ContentTypeFor maps the asset file name to its MIME type. Epub
// variants dominate, so unknown extensions default to a byte stream.
func ContentTypeFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, ".epub"):
		return "application/epub+zip"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
