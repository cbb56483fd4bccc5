// Package docstore stores derived documents in a private S3 bucket. Objects
// are never publicly resolvable; the only read path is a presigned URL with
// an embedded expiry, minted fresh on every request and never persisted.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/nexfid/fulfillment/pkg/fulfillment"
)

// DefaultTTL bounds operator-facing document links. SignedURL clamps
// non-positive TTLs to this value.
const DefaultTTL = time.Hour

const summaryContentType = "text/plain; charset=utf-8"

// objectPutter and objectPresigner are the two slices of the S3 API this
// adapter needs, kept narrow so tests can fake them.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type objectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config configures the S3 document store.
type Config struct {
	// Bucket is the private bucket derived documents are written to.
	Bucket string

	// Region overrides the ambient AWS region when non-empty.
	Region string
}

// Store implements fulfillment.DocumentStore on S3.
type Store struct {
	client    objectPutter
	presigner objectPresigner
	bucket    string
	now       func() time.Time
}

// New creates an S3-backed store using ambient AWS credentials.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Bucket == "" {
		return nil, errors.New("docstore: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("docstore: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    config.Bucket,
		now:       time.Now,
	}, nil
}

// Upload writes the document under a fresh storage key and returns its
// reference. Documents are immutable once created: regenerating a summary
// produces a new key, it never overwrites.
func (s *Store) Upload(ctx context.Context, data []byte, ownerReference, category string) (fulfillment.StoredDocument, error) {
	if len(data) == 0 {
		return fulfillment.StoredDocument{}, errors.New("docstore: empty document")
	}
	if category == "" {
		category = "document"
	}

	createdAt := s.now().UTC()
	filename := fmt.Sprintf("%s-%s.txt", category, createdAt.Format("20060102-150405"))
	key := fmt.Sprintf("requests/%s/%s/%s-%s",
		sanitizeKeyPart(ownerReference), sanitizeKeyPart(category),
		uuid.NewString(), filename,
	)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(summaryContentType),
	})
	if err != nil {
		return fulfillment.StoredDocument{}, fmt.Errorf("docstore: upload failed: %w", err)
	}

	return fulfillment.StoredDocument{
		StorageKey:       key,
		OriginalFilename: filename,
		Category:         category,
		ByteSize:         int64(len(data)),
		CreatedAt:        createdAt,
	}, nil
}

// SignedURL mints a time-limited URL for a stored object. The URL embeds its
// expiry and signature, so one captured from logs cannot be replayed after
// the TTL elapses; callers needing longer access request a fresh one.
func (s *Store) SignedURL(ctx context.Context, storageKey string, ttl time.Duration) (string, error) {
	if storageKey == "" {
		return "", errors.New("docstore: storage key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	}, func(o *s3.PresignOptions) {
		o.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("docstore: presign failed: %w", err)
	}
	return presigned.URL, nil
}

// sanitizeKeyPart keeps storage keys flat and predictable regardless of what
// the processor metadata contained.
func sanitizeKeyPart(part string) string {
	if part == "" {
		return "unknown"
	}
	var sb strings.Builder
	sb.Grow(len(part))
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
