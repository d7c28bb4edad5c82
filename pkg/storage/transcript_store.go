package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3TranscriptStore keeps podcast transcripts in S3-compatible storage.
// Transcripts routinely run to hundreds of kilobytes, which does not
// belong on the raw item row.
type S3TranscriptStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3TranscriptStoreConfig holds S3 configuration
type S3TranscriptStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "transcripts/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3TranscriptStore creates an S3-backed transcript store
func NewS3TranscriptStore(cfg S3TranscriptStoreConfig) (*S3TranscriptStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "transcripts/"
	}

	return &S3TranscriptStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Put uploads the transcript and returns its s3:// reference.
func (s *S3TranscriptStore) Put(ctx context.Context, rawItemID uuid.UUID, transcript string) (string, error) {
	key := fmt.Sprintf("%s%s.txt", s.prefix, rawItemID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(transcript)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Fetch downloads a transcript by its s3:// reference.
func (s *S3TranscriptStore) Fetch(ctx context.Context, ref string) (string, error) {
	key := s.extractKey(ref)

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get transcript from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

func (s *S3TranscriptStore) extractKey(reference string) string {
	// Handle s3://bucket/key format
	if strings.HasPrefix(reference, "s3://") {
		rest := strings.TrimPrefix(reference, "s3://")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return rest[idx+1:]
		}
	}
	return reference
}

// InlineTranscriptStore keeps the transcript on the raw item row itself.
// Used when no S3 bucket is configured (development, single node).
type InlineTranscriptStore struct{}

func NewInlineTranscriptStore() *InlineTranscriptStore {
	return &InlineTranscriptStore{}
}

// Put returns an empty reference: the caller persists the text inline.
func (l *InlineTranscriptStore) Put(ctx context.Context, rawItemID uuid.UUID, transcript string) (string, error) {
	return "", nil
}

// Fetch has nothing to resolve; inline transcripts never produce a ref.
func (l *InlineTranscriptStore) Fetch(ctx context.Context, ref string) (string, error) {
	return "", fmt.Errorf("inline transcript store holds no references (got %q)", ref)
}
