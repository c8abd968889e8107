package storage

import (
	"context"
	"io"

	"github.com/google/uuid"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error

	// UploadConnectorParams returns the connector type and serialized params
	// that read back the objects stored under an upload id.
	UploadConnectorParams(bucket string, uploadId uuid.UUID) (connectorType, []byte, error)
}
