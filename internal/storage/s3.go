// Package storage manages the server's document objects in an
// S3-compatible bucket: uploads, deletion on retraction and presigned
// download links. Ingestion reads documents back through the loader's
// S3 source over the same client.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/magpie-ai/magpie/internal/util"
)

// keyPrefix namespaces document objects inside the bucket.
const keyPrefix = "documents"

// linkTTL bounds presigned download links.
const linkTTL = 15 * time.Minute

// Config carries the object store connection settings.
type Config struct {
	Bucket   string
	Endpoint string
	// PublicEndpoint is the externally reachable endpoint download
	// links are signed against. Empty means the API endpoint is
	// already public.
	PublicEndpoint string
	Region         string
	AccessKey      string
	SecretKey      string
}

func ConfigFromEnv() Config {
	return Config{
		Bucket:         util.GetEnvString("AWS_BUCKET", ""),
		Endpoint:       util.GetEnvString("AWS_ENDPOINT", ""),
		PublicEndpoint: util.GetEnvString("AWS_PUBLIC_ENDPOINT", ""),
		Region:         util.GetEnvString("AWS_REGION", ""),
		AccessKey:      util.GetEnvString("AWS_ACCESS_KEY", ""),
		SecretKey:      util.GetEnvString("AWS_SECRET_KEY", ""),
	}
}

// ObjectStore is the write side of document storage.
type ObjectStore struct {
	client         *s3.Client
	bucket         string
	publicEndpoint string
}

func New(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.Region),
		config.WithBaseEndpoint(cfg.Endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &ObjectStore{client: client, bucket: cfg.Bucket, publicEndpoint: cfg.PublicEndpoint}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, publicEndpoint string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, publicEndpoint: publicEndpoint}
}

// Client exposes the underlying S3 client so the ingestion source can
// share it.
func (s *ObjectStore) Client() *s3.Client { return s.client }

func (s *ObjectStore) Bucket() string { return s.bucket }

// objectKey derives the bucket key and content type for one upload.
// The key keeps the original extension so the content type survives
// the round trip.
func objectKey(documentID, filename string) (string, string) {
	ext := strings.ToLower(filepath.Ext(filename))
	key := keyPrefix + "/" + documentID + ext
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return key, contentType
}

// Put stores one document body and returns its storage key.
func (s *ObjectStore) Put(ctx context.Context, documentID, filename string, body io.Reader) (string, error) {
	key, contentType := objectKey(documentID, filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store document object: %w", err)
	}
	return key, nil
}

// Delete removes a stored document object.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document object: %w", err)
	}
	return nil
}

// DownloadLink presigns a time-limited GET for the stored object.
// When a public endpoint is configured the link is signed against it,
// so the signature matches the Host header the browser will send.
func (s *ObjectStore) DownloadLink(ctx context.Context, key string) (string, error) {
	client := s.client
	prefix := ""
	if s.publicEndpoint != "" {
		publicURL, err := url.Parse(s.publicEndpoint)
		if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
			return "", fmt.Errorf("invalid public endpoint: %s", s.publicEndpoint)
		}
		prefix = strings.TrimSuffix(publicURL.Path, "/")
		base := publicURL.Scheme + "://" + publicURL.Host
		client = s3.NewFromConfig(
			aws.Config{
				Region:      s.client.Options().Region,
				Credentials: s.client.Options().Credentials,
				HTTPClient:  s.client.Options().HTTPClient,
			},
			func(o *s3.Options) {
				o.BaseEndpoint = aws.String(base)
				o.UsePathStyle = true
			},
		)
	}

	presigner := s3.NewPresignClient(client)
	out, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(linkTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign download link: %w", err)
	}
	if prefix == "" {
		return out.URL, nil
	}
	signed, err := url.Parse(out.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse presigned url: %w", err)
	}
	signed.Path = prefix + signed.Path
	return signed.String(), nil
}
