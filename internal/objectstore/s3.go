package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 client. Endpoint and path-style addressing
// allow S3-compatible stores (MinIO, B2).
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3Source reads batch files from Amazon S3 or an S3-compatible store.
type S3Source struct {
	client *s3.Client
}

// NewS3Source loads the default AWS credential chain and creates a client.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Source: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Source{client: client}, nil
}

// List returns all objects under an s3://bucket/prefix URI.
func (s *S3Source) List(ctx context.Context, prefixURI string) ([]Object, error) {
	loc, err := ParseURI(prefixURI)
	if err != nil {
		return nil, fmt.Errorf("S3Source.List: %w", err)
	}
	if loc.Scheme != "s3" {
		return nil, fmt.Errorf("S3Source.List: not an S3 URI: %s", prefixURI)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(loc.Key),
	})

	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3Source.List: listing %s: %w", prefixURI, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{
				URI:       fmt.Sprintf("s3://%s/%s", loc.Bucket, key),
				Size:      aws.ToInt64(obj.Size),
				UpdatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].URI < objects[j].URI })
	return objects, nil
}

// Open returns a reader for an s3://bucket/key URI.
func (s *S3Source) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("S3Source.Open: %w", err)
	}
	if loc.Scheme != "s3" || loc.Key == "" {
		return nil, fmt.Errorf("S3Source.Open: invalid S3 URI (no object key): %s", uri)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3Source.Open: getting object %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return out.Body, nil
}
