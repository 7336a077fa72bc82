package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// S3Backend fetches packages from objects named
// <prefix>/<product>-<version>.tar.gz in one S3 bucket, using the AWS
// SDK v2's default credential chain.
type S3Backend struct {
	name   string
	bucket string
	prefix string
	client *s3.Client
}

// NewS3Backend builds an S3Backend for s3://bucket/prefix, resolving
// credentials and region through the default AWS config chain.
func NewS3Backend(ctx context.Context, name, bucket, prefix, region string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for repository %s: %w", name, err)
	}
	return &S3Backend{
		name:   name,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: s3.NewFromConfig(cfg),
	}, nil
}

func (b *S3Backend) Name() string { return b.name }

func (b *S3Backend) key(product, version string) string {
	name := fmt.Sprintf("%s-%s.tar.gz", product, version)
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

func (b *S3Backend) Fetch(ctx context.Context, product, version string) (io.ReadCloser, error) {
	key := b.key(product, version)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, agenterrors.Classify(agenterrors.KindPackageFatal, fmt.Errorf("%w: s3://%s/%s", agenterrors.ErrArtifactNotFound, b.bucket, key))
		}
		return nil, agenterrors.Classify(agenterrors.KindRepositoryTransient, fmt.Errorf("GetObject s3://%s/%s: %w", b.bucket, key, err))
	}
	return out.Body, nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
