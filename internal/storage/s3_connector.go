package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3ConnectorParams struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type S3Connector struct {
	client *s3.Client
	params S3ConnectorParams
}

var _ Connector = (*S3Connector)(nil)

func NewS3Connector(ctx context.Context, params S3ConnectorParams) (*S3Connector, error) {
	client, err := initializeS3Client(S3ClientConfig{
		Endpoint:        params.Endpoint,
		Region:          params.Region,
		AccessKeyID:     params.AccessKeyID,
		SecretAccessKey: params.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize s3 client: %w", err)
	}
	slog.Info("initialized s3 connector", "endpoint", params.Endpoint, "bucket", params.Bucket, "prefix", params.Prefix)

	if err := validateParams(ctx, client, params.Bucket, params.Prefix); err != nil {
		return nil, fmt.Errorf("failed to validate s3 connector params: %w", err)
	}

	return &S3Connector{
		client: client,
		params: params,
	}, nil
}

func (c *S3Connector) IterObjects(ctx context.Context) ObjectIterator {
	return func(yield func(obj Object, err error) bool) {
		paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.params.Bucket),
			Prefix: aws.String(c.params.Prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(Object{}, err)
				return
			}

			for _, obj := range page.Contents {
				if !yield(Object{Name: *obj.Key, Size: *obj.Size}, nil) {
					return
				}
			}
		}
	}
}

// s3ObjectStream reads an object via ranged requests so that large dataset
// files are never buffered whole in memory.
type s3ObjectStream struct {
	client *s3.Client
	bucket string
	key    string
	offset int
}

func (s *s3ObjectStream) Read(p []byte) (int, error) {
	rng := fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+len(p)-1)

	resp, err := s.client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		// A range starting at the end of the object is rejected with
		// InvalidRange, which here just means the stream is exhausted.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("failed to read object %s from s3://%s/%s: %w", rng, s.bucket, s.key, err)
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p)
	s.offset += n
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, io.EOF
		}
		return n, fmt.Errorf("error reading resp body %s from s3://%s/%s: %w", rng, s.bucket, s.key, err)
	}
	return n, nil
}

func (c *S3Connector) GetObjectStream(ctx context.Context, key string) (io.Reader, error) {
	return &s3ObjectStream{client: c.client, bucket: c.params.Bucket, key: key, offset: 0}, nil
}
