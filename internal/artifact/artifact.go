// Package artifact optionally uploads serialized Recording blobs to S3,
// giving the enumerator a durable place to fetch recordings from in a
// deployed setting. Purely additive: Recorder.End's contract (return the
// bytes to the caller) is unchanged whether or not a sink is configured.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Sink uploads Recording blobs to a single S3 bucket under a fixed
// prefix.
type Sink struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewSink builds a Sink for bucket using the default AWS credential
// chain. prefix is prepended to every object key; it may be empty.
func NewSink(ctx context.Context, bucket, prefix string) (*Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifact: bucket is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &Sink{uploader: manager.NewUploader(client), bucket: bucket, prefix: prefix}, nil
}

// Put uploads blob under a timestamp+uuid key and returns the s3:// URI
// it was written to. Satisfies internal/control.ArtifactSink.
func (s *Sink) Put(ctx context.Context, blob []byte) (string, error) {
	key := fmt.Sprintf("%s%s-%s.bin", s.prefix, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
