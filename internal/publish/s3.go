package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// S3Options select the bucket and how objects are addressed publicly.
type S3Options struct {
	Bucket     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PathStyle  bool
	PublicRead bool
	CDNURL     string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 publishes to AWS S3 or any S3-compatible endpoint.
type S3 struct {
	client objectPutter
	opts   S3Options
	log    zerolog.Logger
}

// NewS3 builds the client. Static keys take precedence over the default AWS
// credential chain when both are present.
func NewS3(ctx context.Context, opts S3Options, log zerolog.Logger) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	if opts.Endpoint != "" {
		log.Info().Str("endpoint", opts.Endpoint).Msg("using custom s3 endpoint")
	}
	return &S3{client: client, opts: opts, log: log}, nil
}

// Publish uploads data under key and returns its public URL.
func (s *S3) Publish(ctx context.Context, data []byte, key string) (string, error) {
	key = sanitizeKey(key)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentType),
	}
	if s.opts.PublicRead {
		in.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		err = classify(err)
		s.log.Error().Err(err).Str("bucket", s.opts.Bucket).Str("key", key).Msg("s3 upload failed")
		return "", err
	}
	url := ObjectURL(s.opts, key)
	s.log.Debug().Str("key", key).Str("url", url).Msg("s3 upload complete")
	return url, nil
}

// ObjectURL derives the public URL of key: the CDN when configured, then the
// custom endpoint in path style, then the virtual-hosted AWS form.
func ObjectURL(opts S3Options, key string) string {
	switch {
	case opts.CDNURL != "":
		return strings.TrimRight(opts.CDNURL, "/") + "/" + key
	case opts.Endpoint != "":
		return strings.TrimRight(opts.Endpoint, "/") + "/" + opts.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", opts.Bucket, key)
	}
}

var authErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && authErrorCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, apiErr.ErrorMessage())
	}
	if strings.Contains(err.Error(), "failed to retrieve credentials") {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
