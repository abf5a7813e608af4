// Package blob provides a typed, streaming wrapper over the object store
// that backs static assets, TLS material, and ACME challenge tokens. It is
// the only component that speaks S3 directly; every other package asks for
// a key and gets back a reader.
//
// Grounded on the S3-backed cache store pattern used for OCI blob pull-
// through caching: aws-sdk-go-v2's default credential chain, path-style
// addressing for non-AWS S3-compatible endpoints, and smithy-go response
// error unwrapping to distinguish "not found" from transient failures.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrNotFound is returned when the requested key does not exist in the
// bucket. Callers distinguish this from transient errors to decide whether
// a negative cache entry is warranted.
var ErrNotFound = errors.New("blob: not found")

// Metadata describes an object without requiring its body to be read.
type Metadata struct {
	ContentLength int64
	LastModified  time.Time
	ContentType   string
}

// Object is a GET result: a streaming body plus its metadata. Callers MUST
// call Close to release the underlying HTTP connection, whether or not they
// read the body to completion.
type Object struct {
	Body io.ReadCloser
	Meta Metadata
}

// Config holds the object-store connection parameters taken from the
// gateway's configuration table (bucketName, bucketEndpoint, bucketRegion,
// bucketAccessKey, bucketSecretKey).
type Config struct {
	Bucket         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	// MetadataTimeout bounds calls that only need to observe size/existence.
	// Streaming body reads are not subject to this timeout. Default 10s.
	MetadataTimeout time.Duration
}

// Client is a thin, read-only S3 client scoped to one bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	mdTO   time.Duration
}

// New constructs a Client from cfg. When AccessKey/SecretKey are supplied
// they take precedence over the ambient AWS credential chain, so the
// gateway works against any S3-compatible store (MinIO, R2, etc.) without
// relying on instance profiles.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("blob: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	mdTO := cfg.MetadataTimeout
	if mdTO <= 0 {
		mdTO = 10 * time.Second
	}

	return &Client{s3: client, bucket: cfg.Bucket, mdTO: mdTO}, nil
}

// Get streams key from the bucket. The returned Object's Body must be
// closed by the caller. Returns ErrNotFound for a missing key; any other
// non-nil error is transient and safe to retry.
func (c *Client) Get(ctx context.Context, key string) (*Object, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}

	meta := Metadata{}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}

	return &Object{Body: out.Body, Meta: meta}, nil
}

// Stat fetches only metadata for key via HeadObject, bounded by the
// configured metadata timeout.
func (c *Client) Stat(ctx context.Context, key string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.mdTO)
	defer cancel()

	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("blob: stat %s: %w", key, err)
	}

	meta := Metadata{}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	return meta, nil
}

// Ping verifies the bucket is reachable, for use as a readiness probe. It
// does not touch any object.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.mdTO)
	defer cancel()

	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("blob: head bucket: %w", err)
	}
	return nil
}

// isNotFound classifies an S3 error as "object does not exist" using the
// HTTP status smithy-go surfaces, since S3-compatible implementations don't
// agree on a single typed NoSuchKey error.
func isNotFound(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}
