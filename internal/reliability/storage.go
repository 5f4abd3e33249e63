// Package reliability keeps the engine's databases durable: scheduled
// archives shipped to S3-compatible storage and daily on-disk maintenance.
package reliability

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/faults"
)

// ObjectStore is the subset of bucket operations the backup service needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// StoredObject describes one archive in the bucket.
type StoredObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// S3Store talks to an S3-compatible bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Store builds a bucket client from the backup target config. A custom
// endpoint points the client at an S3-compatible provider.
func NewS3Store(ctx context.Context, target config.Backup, accessKey, secretKey string, log zerolog.Logger) (*S3Store, error) {
	if accessKey == "" || secretKey == "" {
		return nil, faults.Config(faults.New("backup enabled but access credentials are unset"))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(target.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, faults.Wrap(err, "failed to load S3 configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if target.Endpoint != "" {
			o.BaseEndpoint = aws.String(target.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   target.Bucket,
		log:      log.With().Str("component", "s3_store").Logger(),
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return faults.Transient(faults.Wrapf(err, "failed to upload %s", key))
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var objects []StoredObject
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, faults.Transient(faults.Wrap(err, "failed to list backups"))
		}
		for _, obj := range page.Contents {
			objects = append(objects, StoredObject{
				Key:          aws.ToString(obj.Key),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	// Newest first for listings and retention decisions.
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return faults.Transient(faults.Wrapf(err, "failed to delete %s", key))
	}
	return nil
}

func joinKey(parts ...string) string {
	var clean []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}
