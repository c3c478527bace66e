package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/estensen/x402-pipeline/internal/models"
)

// MinIOArchive stores each block's change-set as a JSON object, so the exact
// sequence of emitted mutations can be audited or replayed later.
type MinIOArchive struct {
	Client     *minio.Client
	BucketName string
}

// NewMinIOArchive initializes the client and ensures the bucket exists.
func NewMinIOArchive(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinIOArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOArchive{Client: client, BucketName: bucketName}, nil
}

// ArchiveChangeSet uploads one change-set as changesets/block-<N>-<directive>.json.
func (m *MinIOArchive) ArchiveChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encoding change-set for block %d: %w", cs.BlockNumber, err)
	}

	objectName := fmt.Sprintf("changesets/block-%d-%s.json", cs.BlockNumber, cs.Directive)
	_, err = m.Client.PutObject(ctx, m.BucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("uploading %q: %w", objectName, err)
	}
	return nil
}
