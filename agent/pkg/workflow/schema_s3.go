package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultSchemaRegion is the default AWS region for schema buckets.
	DefaultSchemaRegion = "us-east-1"
)

// S3SchemaSourceConfig configures the S3 schema source.
type S3SchemaSourceConfig struct {
	Bucket      string // S3 bucket name
	Key         string // Object key of the schema document
	Region      string // AWS region
	EndpointURL string // Optional custom endpoint (for MinIO testing)
	Anonymous   bool   // Use anonymous credentials for public buckets
}

// s3GetObjectAPI is the subset of the S3 client used by S3SchemaSource.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3SchemaSource reads a schema document from an S3 object.
type S3SchemaSource struct {
	client s3GetObjectAPI
	bucket string
	key    string
}

// NewS3SchemaSource creates a new S3 schema source.
func NewS3SchemaSource(ctx context.Context, cfg S3SchemaSourceConfig) (*S3SchemaSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("key is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultSchemaRegion
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("", "", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true // Required for MinIO compatibility
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &S3SchemaSource{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		key:    cfg.Key,
	}, nil
}

// FetchSchema downloads and decodes the schema object.
func (s *S3SchemaSource) FetchSchema(ctx context.Context) (*Schema, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return ParseSchema(data)
}
