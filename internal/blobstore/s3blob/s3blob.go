// Package s3blob implements blobstore.Store against an S3-compatible API
// using ranged GetObject reads, grounded on the teacher's S3ClipStorage
// (pkg/storage/s3.go).
package s3blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/beakfs/beak/internal/blobstore"
)

// Options configures a Store. AccessKey/SecretKey are optional; when empty
// the default AWS credential chain is used. Endpoint/HTTPClient are only
// set for S3-compatible endpoints (MinIO, LocalStack) and tests; production
// use against AWS leaves both zero, grounded on the teacher's own
// S3Config.Endpoint + UsePathStyle pattern (pkg/v2/s3_writer.go).
type Options struct {
	Bucket     string
	Region     string
	Prefix     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	HTTPClient *http.Client
}

// Store is a blobstore.Store backed by one S3 bucket/prefix.
type Store struct {
	svc      *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// New builds a Store from opts, resolving AWS credentials the same way the
// teacher's storage backend does.
func New(ctx context.Context, opts Options) (*Store, error) {
	var cfg aws.Config
	var err error
	if opts.AccessKey == "" || opts.SecretKey == "" {
		cfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	} else {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		cfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region), config.WithCredentialsProvider(creds))
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.HTTPClient != nil {
			o.HTTPClient = opts.HTTPClient
		}
	})
	return &Store{
		svc:      svc,
		uploader: manager.NewUploader(svc),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + k
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var out []blobstore.ObjectInfo
	var token *string
	for {
		resp, err := s.svc.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.key(prefix), err)
		}
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
			}
			out = append(out, blobstore.ObjectInfo{Key: key, Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// Get issues a ranged GetObject, mirroring the teacher's ReadFile (s3.go):
// byte ranges are inclusive, so the end offset is one less than
// offset+length.
func (s *Store) Get(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	}
	if offset != 0 || length >= 0 {
		rng := fmt.Sprintf("bytes=%d-", offset)
		if length >= 0 {
			rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		}
		input.Range = aws.String(rng)
	}

	resp, err := s.svc.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", s.bucket, s.key(key), err)
	}
	return resp.Body, nil
}

// Put uploads via manager.Uploader rather than a single PutObject call:
// archive parts can run into the gigabytes (spec.md §4.7 part splitting),
// and the uploader transparently switches to a multipart upload once size
// crosses its part-size threshold instead of requiring the whole body
// buffered up front.
func (s *Store) Put(ctx context.Context, key string, size int64, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", s.bucket, s.key(key), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", s.bucket, s.key(key), err)
	}
	return nil
}
