// Package replica mirrors stored uploads into an S3-compatible bucket.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrDisabled = errors.New("replica is not configured")

// Config describes the remote bucket.
type Config struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Enabled reports whether the config names both an endpoint and a bucket.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ObjectKey returns the key an upload is mirrored under.
func ObjectKey(id, name string) string {
	return path.Join(id, name)
}

// Replica copies uploads to a bucket and removes them again.
type Replica struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a Replica for cfg. It does not contact the endpoint.
func New(cfg Config) (*Replica, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create replica client: %w", err)
	}

	return &Replica{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Bucket returns the bucket name.
func (r *Replica) Bucket() string {
	return r.bucket
}

// EnsureBucket checks if the bucket exists, and creates it if it does not.
func (r *Replica) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", r.bucket, err)
		}
	}
	return nil
}

// Mirror uploads the file at localPath as <id>/<name>.
func (r *Replica) Mirror(ctx context.Context, id, name, localPath string) error {
	key := ObjectKey(id, name)
	info, err := r.client.FPutObject(ctx, r.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("failed to mirror %q to bucket %q: %w", key, r.bucket, err)
	}

	slog.Debug("Mirrored upload", "bucket", r.bucket, "key", key, "size", info.Size)
	return nil
}

// Remove deletes every object stored under id.
func (r *Replica) Remove(ctx context.Context, id string) error {
	var objects []minio.ObjectInfo
	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    id + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list %q in bucket %q: %w", id, r.bucket, obj.Err)
		}
		objects = append(objects, obj)
	}

	toRemove := make(chan minio.ObjectInfo, len(objects))
	for _, obj := range objects {
		toRemove <- obj
	}
	close(toRemove)

	var errs []error
	for result := range r.client.RemoveObjects(ctx, r.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %q: %w", result.ObjectName, result.Err))
	}
	return errors.Join(errs...)
}
