// Package s3 loads document bytes from an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"

	"github.com/magpie-ai/magpie/pkg/loader"
)

// S3Source is a loader.Source implementation that loads document
// contents from an Amazon S3 bucket. It uses the AWS SDK v2 for Go.
//
// This source is used when uploaded documents are stored in S3 instead
// of the local filesystem.
type S3Source struct {
	bucket string
	client *s3.Client

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewS3SourceWithClient creates a new S3Source using an existing
// s3.Client. This is useful to reuse a preconfigured AWS client (e.g.,
// with custom middleware or credentials).
func NewS3SourceWithClient(bucket string, client *s3.Client) *S3Source {
	return &S3Source{
		bucket: bucket,
		client: client,
		cache:  make(map[string][]byte),
	}
}

// NewS3SourceParams defines the configuration parameters for creating a
// new S3Source.
//
// Bucket specifies the S3 bucket name.
// Endpoint allows overriding the S3 endpoint (useful for S3-compatible
// storage like MinIO).
// Region specifies the AWS region.
// AccessKey and SecretKey provide static credentials.
type NewS3SourceParams struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Source creates a new S3Source using the provided parameters. It
// initializes an AWS S3 client with static credentials and the given
// endpoint/region.
//
// Example:
//
//	source, err := s3.NewS3Source(ctx, s3.NewS3SourceParams{
//		Bucket:    "magpie-documents",
//		Endpoint:  "https://s3.amazonaws.com",
//		Region:    "us-east-1",
//		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
//		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewS3Source(ctx context.Context, params NewS3SourceParams) (*S3Source, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(params.Region),
		config.WithBaseEndpoint(params.Endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg)

	return &S3Source{
		bucket: params.Bucket,
		client: client,
		cache:  make(map[string][]byte),
	}, nil
}

// GetDocumentBytes retrieves the contents of the given document from the
// configured S3 bucket. It implements the loader.Source interface.
func (s *S3Source) GetDocumentBytes(ctx context.Context, doc loader.Document) ([]byte, error) {
	cacheKey := loader.CacheKey(doc)

	s.cacheMu.RLock()
	if cached, ok := s.cache[cacheKey]; ok {
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	result, err, _ := s.group.Do(cacheKey, func() (any, error) {
		s.cacheMu.RLock()
		if cached, ok := s.cache[cacheKey]; ok {
			s.cacheMu.RUnlock()
			return cached, nil
		}
		s.cacheMu.RUnlock()

		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(doc.StorageKey),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return nil, err
		}

		byts := buf.Bytes()

		s.cacheMu.Lock()
		s.cache[cacheKey] = byts
		s.cacheMu.Unlock()

		return byts, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
