package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/report"
	"github.com/sirupsen/logrus"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Archiver stores report copies in an S3-compatible bucket.
type s3Archiver struct {
	log           logrus.FieldLogger
	cfg           *config.S3ArchiveConfig
	client        *s3.Client
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	now           func() time.Time
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an S3 archiver from the given configuration.
func NewS3Archiver(
	log logrus.FieldLogger,
	cfg *config.S3ArchiveConfig,
) (Archiver, error) {
	expiry := 15 * time.Minute

	if cfg.PresignExpiry != "" {
		d, err := time.ParseDuration(cfg.PresignExpiry)
		if err != nil {
			return nil, fmt.Errorf("parsing presign_expiry: %w", err)
		}

		expiry = d
	}

	client := newS3Client(cfg)

	return &s3Archiver{
		log:           log.WithField("component", "s3-archive"),
		cfg:           cfg,
		client:        client,
		presignClient: s3.NewPresignClient(client),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		now:           time.Now,
		cache:         make(map[string]presignCacheEntry),
	}, nil
}

func (a *s3Archiver) Name() string {
	return "s3"
}

func (a *s3Archiver) Put(ctx context.Context, r *report.Report) error {
	key := Key(a.cfg.Prefix, r)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(r.Content),
		ContentType: aws.String("text/markdown; charset=utf-8"),
		Metadata: map[string]string{
			"report-id":   r.ReportID,
			"source-type": string(r.SourceType),
		},
	}

	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	a.forget(key)

	a.log.WithField("key", key).Debug("Archived report")

	return nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (a *s3Archiver) Delete(ctx context.Context, r *report.Report) error {
	key := Key(a.cfg.Prefix, r)

	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	a.forget(key)

	return nil
}

// URL returns a presigned GET URL for the report copy. Results are cached
// for half the presign expiry so a cached URL always has time left.
func (a *s3Archiver) URL(ctx context.Context, r *report.Report) (string, error) {
	key := Key(a.cfg.Prefix, r)
	now := a.now()

	a.mu.RLock()
	if entry, ok := a.cache[key]; ok && now.Before(entry.expiresAt) {
		a.mu.RUnlock()

		return entry.url, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := a.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	a.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(a.cacheTTL),
	}

	return result.URL, nil
}

func (a *s3Archiver) forget(key string) {
	a.mu.Lock()
	delete(a.cache, key)
	a.mu.Unlock()
}

// newS3Client constructs an S3 client from the archive config.
func newS3Client(cfg *config.S3ArchiveConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
