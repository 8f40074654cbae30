package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrNotFound = errors.New("data file not found")

// Source opens a data file by location: a local path or s3://bucket/key.
type Source interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

type FileSource struct{}

func (FileSource) Open(_ context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return f, nil
}

// S3API is the part of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Source struct {
	client S3API
}

func NewS3Source(client S3API) *S3Source {
	return &S3Source{client: client}
}

func (s *S3Source) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("get %s: %w", location, err)
	}
	return out.Body, nil
}

// ParseS3Location splits s3://bucket/key.
func ParseS3Location(location string) (string, string, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 location: %q", location)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 location needs bucket and key: %q", location)
	}
	return bucket, key, nil
}

func IsS3Location(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// Router sends s3:// locations to the S3 source and everything else to the
// local file source.
type Router struct {
	Files Source
	S3    Source
}

func (r Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if IsS3Location(location) {
		if r.S3 == nil {
			return nil, fmt.Errorf("s3 data source not configured for %s", location)
		}
		return r.S3.Open(ctx, location)
	}
	files := r.Files
	if files == nil {
		files = FileSource{}
	}
	return files.Open(ctx, location)
}

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client with static credentials and an optional custom
// endpoint (MinIO and other S3-compatible stores).
func NewS3Client(ctx context.Context, c S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
