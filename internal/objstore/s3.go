package objstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	logx "postpilot/pkg/logx"
)

// s3Store maps keys onto objects under an optional bucket prefix. Versions
// are ETags; conditional writes use If-Match / If-None-Match.
type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    logx.Logger
}

func openS3(ctx context.Context, cfg Config, log logx.Logger) (Versioned, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage.bucket is required for s3 driver")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, Unavailable(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewS3 wraps an existing client.
func NewS3(client *s3.Client, bucket, prefix string, log logx.Logger) Versioned {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &s3Store{client: client, bucket: bucket, prefix: prefix, log: log}
}

func (s *s3Store) objectKey(key string) string { return s.prefix + key }

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return Unavailable(err, "s3 put")
}

func (s *s3Store) PutIfVersion(ctx context.Context, key string, data []byte, version string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if version == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(version)
	}
	out, err := s.client.PutObject(ctx, in)
	if isPreconditionFailed(err, version != "") {
		return "", ErrVersionConflict
	}
	if err != nil {
		return "", Unavailable(err, "s3 conditional put")
	}
	return aws.ToString(out.ETag), nil
}

// isPreconditionFailed reports a lost conditional write. S3 answers an
// If-Match write on a missing key with 404.
func isPreconditionFailed(err error, ifMatch bool) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	case "NoSuchKey", "NotFound":
		return ifMatch
	}
	return false
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Object{}, ErrNotFound
		}
		return Object{}, Unavailable(err, "s3 get")
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, Unavailable(err, "s3 read body")
	}
	obj := Object{Key: key, Data: b, Version: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		obj.Updated = out.LastModified.UTC()
	} else {
		obj.Updated = time.Time{}
	}
	return obj, nil
}

func (s *s3Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	keys := make([]string, 0, 16)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, Unavailable(err, "s3 list")
		}
		for _, o := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(o.Key), s.prefix))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return Unavailable(err, "s3 delete")
}

func (s *s3Store) Close() error { return nil }
