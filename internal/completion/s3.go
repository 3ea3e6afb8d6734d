package completion

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jaywantadh/tusbyte/internal/storage"
	"github.com/sirupsen/logrus"
)

// s3PutAPI is the slice of the S3 client the archiver needs.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client. A non-empty Endpoint selects an
// S3-compatible service such as MinIO and switches to path-style addressing.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Archiver copies finished uploads into a bucket.
type S3Archiver struct {
	client s3PutAPI
	store  storage.Storage
	bucket string
	prefix string
	log    logrus.FieldLogger
}

func NewS3Archiver(client s3PutAPI, store storage.Storage, bucket, prefix string, log logrus.FieldLogger) *S3Archiver {
	return &S3Archiver{client: client, store: store, bucket: bucket, prefix: prefix, log: log}
}

func (a *S3Archiver) Name() string { return "s3-archive" }

// ObjectKey is <prefix><upload id>/<destination name>.
func (a *S3Archiver) ObjectKey(ev Event) string {
	return a.prefix + path.Join(ev.UploadID, DestinationName(ev))
}

func (a *S3Archiver) HandleCompletion(ctx context.Context, ev Event) error {
	body, err := a.store.Get(ev.UploadID)
	if err != nil {
		return err
	}
	defer body.Close()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.ObjectKey(ev)),
		Body:          body,
		ContentLength: aws.Int64(int64(ev.FinalSize)),
		Metadata:      map[string]string{"upload-id": ev.UploadID},
	}
	if ft := ev.Metadata["filetype"]; ft != "" {
		input.ContentType = aws.String(ft)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to archive upload %s: %w", ev.UploadID, err)
	}

	a.log.WithFields(logrus.Fields{
		"upload_id": ev.UploadID,
		"bucket":    a.bucket,
		"key":       *input.Key,
	}).Info("Upload archived to S3")
	return nil
}
