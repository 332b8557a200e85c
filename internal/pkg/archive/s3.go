package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/InboxGate/app/models"
	"github.com/ManuelReschke/InboxGate/internal/pkg/config"
)

const keyPrefix = "audit-logs/"

// ObjectStore is the part of the S3 API the archiver uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes expiring audit entries to a bucket as JSON lines.
type S3Archiver struct {
	store  ObjectStore
	bucket string
	now    func() time.Time
}

func NewS3Archiver(store ObjectStore, bucket string) *S3Archiver {
	return &S3Archiver{store: store, bucket: bucket, now: time.Now}
}

// NewS3ArchiverFromConfig builds an S3 client for the archive bucket and
// checks that the bucket is reachable. Outside production a missing bucket
// is created.
func NewS3ArchiverFromConfig(ctx context.Context, cfg config.ArchiveConfig, appEnv string) (*S3Archiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("audit archive is disabled")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if appEnv == "prod" {
			return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.Bucket, err)
		}
		log.Warnf("[Archive] Bucket %s not found, attempting to create it", cfg.Bucket)
		input := &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}
		if cfg.Endpoint == "" && cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(cfg.Region),
			}
		}
		if _, err := client.CreateBucket(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	log.Infof("[Archive] Audit archive enabled for bucket: %s", cfg.Bucket)
	return NewS3Archiver(client, cfg.Bucket), nil
}

// Archive uploads entries as one object and returns its key.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, entries []models.AuditLog) (string, error) {
	body, err := EncodeLines(entries)
	if err != nil {
		return "", err
	}
	key := ObjectKey(a.now(), cutoff)

	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"entries": fmt.Sprintf("%d", len(entries)),
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey groups archives by run date, e.g. audit-logs/2026/01/31/before-20251102T000000Z.jsonl.
func ObjectKey(runAt, cutoff time.Time) string {
	return fmt.Sprintf("%s%s/before-%s.jsonl", keyPrefix, runAt.UTC().Format("2006/01/02"), cutoff.UTC().Format("20060102T150405Z"))
}

// EncodeLines renders one JSON document per entry.
func EncodeLines(entries []models.AuditLog) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode audit entry %d: %w", entries[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}
