// Package s3Store keeps envelopes as objects in an S3 bucket, one object per
// path. Directories are derived from "/" delimited keys.
package s3Store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

// cidMetadata is the user metadata key holding the content id.
const cidMetadata = "cid"

type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO and other S3 compatible stores
	Prefix   string // optional key prefix

	// Static credentials. Empty means the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string

	Logger *logrus.Logger
}

// S3Store is a gateway over one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logrus.Logger
}

func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    cfg.Logger,
	}, nil
}

func (s *S3Store) key(p string) (string, error) { // AC
	p, err := gateway.Clean(p)
	if err != nil {
		return "", err
	}
	return s.prefix + strings.TrimPrefix(p, "/"), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

func (s *S3Store) Write(ctx context.Context, p string, content []byte) error { // A
	key, err := s.key(p)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("text/plain"),
		Metadata:      map[string]string{cidMetadata: gateway.ContentID(content)},
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, p string) ([]byte, error) { // AC
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

func (s *S3Store) Stat(ctx context.Context, p string) (gateway.Entry, error) { // A
	key, err := s.key(p)
	if err != nil {
		return gateway.Entry{}, err
	}
	return s.head(ctx, key)
}

func (s *S3Store) head(ctx context.Context, key string) (gateway.Entry, error) { // A
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return gateway.Entry{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, key)
	}
	if err != nil {
		return gateway.Entry{}, fmt.Errorf("s3 head failed for %s: %w", key, err)
	}

	e := gateway.Entry{Name: path.Base(key), Size: aws.ToInt64(out.ContentLength)}
	for k, v := range out.Metadata {
		if strings.EqualFold(k, cidMetadata) {
			e.ContentID = v
		}
	}
	if e.ContentID == "" {
		// written by something else; derive it from the bytes
		content, err := s.Read(ctx, "/"+strings.TrimPrefix(key, s.prefix))
		if err != nil {
			return gateway.Entry{}, err
		}
		e.ContentID = gateway.ContentID(content)
	}
	return e, nil
}

// List asks for one level using the "/" delimiter. Files need a HEAD each to
// learn their content id.
func (s *S3Store) List(ctx context.Context, dir string) ([]gateway.Entry, error) {
	key, err := s.key(dir)
	if err != nil {
		return nil, err
	}
	prefix := key
	if prefix != s.prefix {
		prefix += "/"
	}

	var entries []gateway.Entry
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, gateway.Entry{Name: name, IsDir: true})
			}
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			if objKey == prefix {
				continue
			}
			e, err := s.head(ctx, objKey)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, dir)
	}
	gateway.SortEntries(entries)
	return entries, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error { return nil }

var _ gateway.Gateway = (*S3Store)(nil)
