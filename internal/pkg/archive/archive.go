// Package archive keeps raw receipts and webhook bodies in S3 for audit.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

// ErrDisabled is returned by New when ARCHIVE_ENABLED is off.
var ErrDisabled = errors.New("archive is disabled")

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes one object per payload.
type S3Archive struct {
	s3     objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an S3 client for cfg
func New(ctx context.Context, cfg *Config) (*S3Archive, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[Archive] Archiving payloads to s3://%s/%s", cfg.BucketName, cfg.Prefix)
	return newS3Archive(client, cfg.BucketName, cfg.Prefix), nil
}

func newS3Archive(p objectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{s3: p, bucket: bucket, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// Archive stores body under <prefix>/<kind>/YYYY/MM/DD/<key>.json
func (a *S3Archive) Archive(ctx context.Context, kind, key string, body []byte) error {
	objectKey := a.ObjectKey(kind, key)
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"kind":        kind,
			"archived-at": a.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, objectKey, err)
	}
	log.Debugf("[Archive] Stored %d bytes at %s", len(body), objectKey)
	return nil
}

// ObjectKey is the S3 key a payload of kind and key lands under.
func (a *S3Archive) ObjectKey(kind, key string) string {
	day := a.now().UTC().Format("2006/01/02")
	return path.Join(a.prefix, sanitize(kind), day, sanitize(key)+".json")
}

// sanitize keeps [A-Za-z0-9._-] and maps everything else, separators
// included, to '_'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}
