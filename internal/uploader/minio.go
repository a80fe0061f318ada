// Package uploader moves finished artifacts from the engine's transient
// /view endpoint into object storage and hands back durable URLs.
package uploader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"comfytask/internal/config"
	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

var _ ports.ArtifactUploader = (*MinioUploader)(nil)

type MinioUploader struct {
	client    *minio.Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
	httpc     *http.Client
}

// New connects to the configured object store and makes sure the bucket
// exists. Callers should leave the uploader out entirely when storage is
// disabled; completion then keeps the engine's own URLs.
func New(ctx context.Context, cfg config.Storage) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("created artifact bucket")
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("artifact storage ready")
	return &MinioUploader{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: cfg.URLExpiry,
		httpc:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Upload streams the artifact from the engine into the bucket and returns
// its durable location.
func (u *MinioUploader) Upload(ctx context.Context, artifact domain.Artifact) (*domain.StoredArtifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifact.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", artifact.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artifact %s: engine returned %d", artifact.Filename, resp.StatusCode)
	}

	objectName := u.objectName(artifact.Filename)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = u.client.PutObject(ctx, u.bucket, objectName, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", objectName, err)
	}

	publicURL, err := u.publicURL(ctx, objectName)
	if err != nil {
		return nil, err
	}

	log.Ctx(ctx).Debug().Str("object", objectName).Msg("artifact uploaded")
	return &domain.StoredArtifact{PublicURL: publicURL, StorageKey: objectName}, nil
}

// objectName keeps the original extension but a fresh id, so parallel jobs
// writing identical filenames never collide.
func (u *MinioUploader) objectName(filename string) string {
	return u.prefix + uuid.NewString() + path.Ext(filename)
}

func (u *MinioUploader) publicURL(ctx context.Context, objectName string) (string, error) {
	if u.urlExpiry > 0 {
		signed, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.urlExpiry, url.Values{})
		if err != nil {
			return "", fmt.Errorf("presign object %s: %w", objectName, err)
		}
		return signed.String(), nil
	}
	return u.client.EndpointURL().String() + "/" + u.bucket + "/" + objectName, nil
}
