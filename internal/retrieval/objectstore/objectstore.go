// Package objectstore locates result files and hands out time-limited
// download links for them.
package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	id "cohort/pkg/domain"
)

// DefaultExtension is appended to result object keys.
const DefaultExtension = ".pdf"

// maxPresignTTL is the S3 SigV4 limit.
const maxPresignTTL = 7 * 24 * time.Hour

// ResultKey names the result object for a kit: {batchId}/{kitId}{ext}.
func ResultKey(batchID id.BatchID, kitID id.KitID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%s%s", batchID, kitID, ext)
}

type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// AccessKeyID and SecretAccessKey are optional; the default credential
	// chain is used when both are empty.
	AccessKeyID     string
	SecretAccessKey string
}

// S3 presigns GET requests against a single bucket. Presigning is local and
// does not contact the service.
type S3 struct {
	client *s3.S3
	bucket string
}

func NewS3(cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("result bucket is required")
	}
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// PresignGet returns a URL that downloads key until ttl elapses.
func (s *S3) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("presign ttl must be positive")
	}
	if ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String("attachment"),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url, nil
}
