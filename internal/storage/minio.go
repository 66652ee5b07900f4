package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// minPartSize is the smallest part S3 accepts except for the last one.
const minPartSize = 5 * 1024 * 1024

// MinIOStorage implements the Storage interface for MinIO/S3
type MinIOStorage struct {
	client *s3.Client
	bucket string
	region string
	logger *zap.Logger
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewMinIOStorage creates a new MinIO storage instance
func NewMinIOStorage(cfg MinIOConfig, logger *zap.Logger) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true, // Required for MinIO
	})

	return &MinIOStorage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: logger.With(zap.String("bucket", cfg.Bucket)),
	}, nil
}

// EnsureBucket creates the bucket when HeadBucket reports it missing
func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	s.logger.Info("Created bucket")
	return nil
}

// PutVideo uploads a video. Files below one part go up in a single request,
// larger ones are streamed as a multipart upload.
func (s *MinIOStorage) PutVideo(ctx context.Context, key string, body io.Reader, meta VideoMetadata) error {
	metadata := objectMetadata(meta)

	if meta.Size >= 0 && meta.Size < minPartSize {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read video: %w", err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType(key)),
			Metadata:    metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to put video: %w", err)
		}
		return nil
	}

	w, err := NewS3StreamWriter(ctx, s.client, s.bucket, key, contentType(key), metadata, s.logger)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Abort()
		return fmt.Errorf("failed to stream video: %w", err)
	}
	return w.Close()
}

// Health checks storage connectivity
func (s *MinIOStorage) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket health check failed: %w", err)
	}
	return nil
}

func objectMetadata(meta VideoMetadata) map[string]string {
	m := map[string]string{
		"camera":      meta.Camera,
		"captured-at": meta.CapturedAt.UTC().Format(time.RFC3339),
		"size":        strconv.FormatInt(meta.Size, 10),
	}
	if meta.ServiceID != "" {
		m["service-id"] = meta.ServiceID
	}
	return m
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// S3StreamWriter implements io.WriteCloser for streaming uploads to S3
type S3StreamWriter struct {
	ctx        context.Context
	client     *s3.Client
	bucket     string
	key        string
	logger     *zap.Logger
	uploadID   string
	partNumber int32
	parts      []types.CompletedPart
	buffer     *bytes.Buffer
	bufferSize int
	mu         sync.Mutex
	closed     bool
}

// NewS3StreamWriter creates a new streaming writer for S3
func NewS3StreamWriter(ctx context.Context, client *s3.Client, bucket, key, contentType string, metadata map[string]string, logger *zap.Logger) (*S3StreamWriter, error) {
	output, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	return &S3StreamWriter{
		ctx:        ctx,
		client:     client,
		bucket:     bucket,
		key:        key,
		logger:     logger,
		uploadID:   *output.UploadId,
		buffer:     bytes.NewBuffer(make([]byte, 0, minPartSize)),
		bufferSize: minPartSize,
	}, nil
}

// Write implements io.Writer
func (w *S3StreamWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	n, err = w.buffer.Write(p)
	if err != nil {
		return n, err
	}

	if w.buffer.Len() >= w.bufferSize {
		if err := w.uploadPart(); err != nil {
			return n, err
		}
	}

	return n, nil
}

func (w *S3StreamWriter) uploadPart() error {
	if w.buffer.Len() == 0 {
		return nil
	}

	w.partNumber++
	data := make([]byte, w.buffer.Len())
	copy(data, w.buffer.Bytes())
	w.buffer.Reset()

	output, err := w.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", w.partNumber, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       output.ETag,
		PartNumber: aws.Int32(w.partNumber),
	})

	return nil
}

// Abort discards the upload. Parts already sent are released by S3.
func (w *S3StreamWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.abort()
}

func (w *S3StreamWriter) abort() {
	_, err := w.client.AbortMultipartUpload(w.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		w.logger.Warn("Failed to abort multipart upload", zap.String("key", w.key), zap.Error(err))
	}
}

// Close implements io.Closer
func (w *S3StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.buffer.Len() > 0 {
		if err := w.uploadPart(); err != nil {
			w.abort()
			return err
		}
	}

	if len(w.parts) == 0 {
		w.abort()
		return nil
	}

	_, err := w.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}
