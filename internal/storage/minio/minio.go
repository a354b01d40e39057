package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/storage"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"go.opentelemetry.io/otel/attribute"
)

var _ storage.Storage = (*MinioClient)(nil)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

// NewMinioClient connects to MinIO and makes sure the dataset bucket exists.
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (*MinioClient, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	m := &MinioClient{client: cli, bucket: cfg.DATASET_BUCKET, transport: transport}
	if err := m.ensureBucket(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *MinioClient) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *MinioClient) Upload(ctx context.Context, objectPath string, data []byte) error {
	ctx, span := tracer.GetTracer().Start(ctx, "MinIO/Upload")
	defer span.End()
	span.SetAttributes(attribute.String("object", objectPath), attribute.Int("bytes", len(data)))

	_, err := m.client.PutObject(ctx, m.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "MinIO/Download")
	defer span.End()
	span.SetAttributes(attribute.String("object", objectPath))

	object, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, storage.ErrNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) GetBucket() string {
	return m.bucket
}

func (m *MinioClient) Close() {
	m.transport.CloseIdleConnections()
}
