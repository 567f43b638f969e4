package store

import (
	"bytes"
	"context"
	"io"
	"sharezone/svc/util"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const opTimeout = 30 * time.Second

// Minio holds file payloads. Every object under a bucket is opaque bytes;
// encrypted payloads arrive here already sealed, the store never sees keys.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}
	m := &Minio{client: client, bucket: bucket}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check bucket existence")
	}
	if !exists {
		util.Info().Str("bucket", bucket).Msg("creating object store bucket")
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "create bucket")
		}
	}
	return m, nil
}

func (m *Minio) Put(ctx context.Context, objectKey string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return errors.Wrap(err, "put object")
}

func (m *Minio) Get(ctx context.Context, objectKey string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	object, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "get object")
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, errors.Wrap(err, "read object")
	}
	return data, nil
}

func (m *Minio) Delete(ctx context.Context, objectKey string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	err := m.client.RemoveObject(ctx, m.bucket, objectKey, minio.RemoveObjectOptions{})
	return errors.Wrap(err, "remove object")
}
